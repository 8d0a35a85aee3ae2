package ports

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the orchestrator's retry/propagation policy.
type Kind string

const (
	// KindTransient marks port timeouts and network faults; retried with backoff.
	KindTransient Kind = "transient"
	// KindConflict marks a CAS miss; retried once after a fresh snapshot.
	KindConflict Kind = "conflict"
	// KindUnavailable marks missing capacity (no driver, no route); never retried.
	KindUnavailable Kind = "unavailable"
	// KindInvalid marks malformed input; returned immediately.
	KindInvalid Kind = "invalid"
	// KindFatal marks an invariant violation; surfaced as a FAILED decision.
	KindFatal Kind = "fatal"
)

var (
	// ErrNotFound is returned by repositories for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrCASMismatch is returned when a compare-and-set observes a stale value.
	ErrCASMismatch = errors.New("cas mismatch")
)

// Error carries a classification alongside the underlying failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef wraps a formatted message with a kind and operation name.
func Ef(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification of err, defaulting to transient for
// unclassified failures so callers err on the side of retrying.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, ErrCASMismatch) {
		return KindConflict
	}
	if errors.Is(err, ErrNotFound) {
		return KindInvalid
	}
	return KindTransient
}

// IsRetryable reports whether the policy permits retrying err at all.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindConflict:
		return true
	}
	return false
}
