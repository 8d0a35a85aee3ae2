// Package ports declares the named interfaces the decision core consumes.
// Adapters outside the core implement them; tests use the in-memory fakes
// under ports/inmem.
package ports

import (
	"context"
	"sync"
	"time"

	"github.com/tiger/instant-dispatch/api/dispatch"
)

// OrderFilter narrows OrderRepository.GetActive results.
type OrderFilter struct {
	ServiceClass dispatch.ServiceClass
	Statuses     []dispatch.OrderStatus
	Limit        int
	Offset       int
}

// OrderPatch carries optional field updates applied with a status transition.
// Nil fields are left untouched. SLANotified and DelayNotified are monotonic:
// repositories must reject clearing them once set.
type OrderPatch struct {
	SLANotified      *bool
	DelayNotified    *bool
	DeliveryAttempts *int
	PriorityBoost    *int
	ServiceClass     *dispatch.ServiceClass
}

// OrderRepository owns Order records. All mutations for one order id are
// serialised through the repository; assignment changes go through
// CASAssignedDriver only.
type OrderRepository interface {
	GetActive(ctx context.Context, filter OrderFilter) ([]dispatch.Order, error)
	GetByID(ctx context.Context, id string) (dispatch.Order, error)
	UpdateStatus(ctx context.Context, id string, status dispatch.OrderStatus, patch OrderPatch) (dispatch.Order, error)
	// CASAssignedDriver swaps the assigned driver only when the current value
	// equals expected ("" means unassigned). A stale expected value fails with
	// ErrCASMismatch.
	CASAssignedDriver(ctx context.Context, id, expected, next string) error
}

// DriverRepository owns Driver records. AddActiveOrder and RemoveActiveOrder
// keep the per-driver load in step with assignment swaps so capacity checks
// stay truthful.
type DriverRepository interface {
	List(ctx context.Context) ([]dispatch.Driver, error)
	GetByID(ctx context.Context, id string) (dispatch.Driver, error)
	UpdateLocation(ctx context.Context, id string, loc dispatch.DriverLocation) error
	UpdateStatus(ctx context.Context, id string, status dispatch.DriverStatus) error
	AddActiveOrder(ctx context.Context, driverID, orderID string, class dispatch.ServiceClass) error
	RemoveActiveOrder(ctx context.Context, driverID, orderID string, class dispatch.ServiceClass) error
}

// RouteLeg is one routed leg between two coordinates.
type RouteLeg struct {
	DistanceKm  float64
	DurationMin float64
	Geometry    []dispatch.LatLng
}

// Router resolves travel legs through the external routing service. The route
// engine falls back to Haversine estimates when the router is absent or fails.
type Router interface {
	Route(ctx context.Context, from, to dispatch.LatLng) (RouteLeg, error)
}

// RouteOracle optionally ranks stops; any error is treated as oracle absence.
type RouteOracle interface {
	Rank(ctx context.Context, start dispatch.LatLng, stops []dispatch.LatLng) ([]int, error)
}

// Notifier sends outbound customer/driver messages. Channel availability is a
// configuration concern of the adapter, not of callers.
type Notifier interface {
	SMS(ctx context.Context, phone, message string) error
	Email(ctx context.Context, to, subject, body string) error
	InApp(ctx context.Context, userID string, payload map[string]any) error
	Voice(ctx context.Context, phone, message string) error
}

// EscalationGateway pages the organisational tier owning an escalation level.
type EscalationGateway interface {
	Notify(ctx context.Context, level dispatch.EscalationLevel, payload map[string]any) error
}

// AutonomousOrchestrator receives autonomous directives published after SLA ticks.
type AutonomousOrchestrator interface {
	Trigger(ctx context.Context, source, reason string, context map[string]any, priority dispatch.ActionPriority) error
}

// Clock abstracts time for deterministic tests. AfterEvery schedules fn at a
// fixed interval and returns a stop function.
type Clock interface {
	Now() time.Time
	AfterEvery(interval time.Duration, fn func(now time.Time)) (stop func())
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) AfterEvery(interval time.Duration, fn func(now time.Time)) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case now := <-ticker.C:
				fn(now)
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
