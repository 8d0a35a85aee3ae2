// Package emergency runs the escalation chain and order recovery planning.
// Escalations walk the L1..L4 tiers on unresolved response windows; recovery
// picks ordered strategies per failure type and prices compensation.
package emergency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/core/ports"
)

// responseWindow is how long each tier has before the chain moves up.
var responseWindow = map[dispatch.EscalationLevel]time.Duration{
	dispatch.LevelSupervisor: 2 * time.Minute,
	dispatch.LevelManager:    5 * time.Minute,
	dispatch.LevelDirector:   10 * time.Minute,
	dispatch.LevelExecutive:  15 * time.Minute,
}

type typeDefaults struct {
	level    dispatch.EscalationLevel
	severity dispatch.ActionPriority
}

var emergencyDefaults = map[dispatch.EmergencyType]typeDefaults{
	dispatch.EmergencySLABreach:          {dispatch.LevelSupervisor, dispatch.PriorityHigh},
	dispatch.EmergencyMassSLABreach:      {dispatch.LevelDirector, dispatch.PriorityCritical},
	dispatch.EmergencyDriver:             {dispatch.LevelManager, dispatch.PriorityCritical},
	dispatch.EmergencySystemFailure:      {dispatch.LevelDirector, dispatch.PriorityCritical},
	dispatch.EmergencySecurityIncident:   {dispatch.LevelExecutive, dispatch.PriorityCritical},
	dispatch.EmergencyFleetShortage:      {dispatch.LevelManager, dispatch.PriorityHigh},
	dispatch.EmergencyWeather:            {dispatch.LevelManager, dispatch.PriorityHigh},
	dispatch.EmergencyCustomerEscalation: {dispatch.LevelSupervisor, dispatch.PriorityMedium},
}

// ResolutionFunc reports whether an escalation's underlying condition cleared.
// Wired to operational tooling in production; tests inject their own.
type ResolutionFunc func(escalation dispatch.Escalation) bool

// Escalator owns the active escalation set and the resolution checker.
type Escalator struct {
	gateway  ports.EscalationGateway
	clock    ports.Clock
	resolved ResolutionFunc
	log      *zap.Logger

	mu         sync.Mutex
	active     map[string]*dispatch.Escalation
	notifiedAt map[string]time.Time
}

func NewEscalator(gateway ports.EscalationGateway, clock ports.Clock, resolved ResolutionFunc, log *zap.Logger) *Escalator {
	if resolved == nil {
		resolved = func(dispatch.Escalation) bool { return false }
	}
	return &Escalator{
		gateway:    gateway,
		clock:      clock,
		resolved:   resolved,
		log:        log,
		active:     make(map[string]*dispatch.Escalation),
		notifiedAt: make(map[string]time.Time),
	}
}

// Initiate opens an escalation at the type's default tier, bumped one step for
// critical severity, and pages the owning tier.
func (e *Escalator) Initiate(ctx context.Context, emergencyType dispatch.EmergencyType, severity dispatch.ActionPriority, orderIDs, driverIDs []string) (dispatch.Escalation, error) {
	defaults, ok := emergencyDefaults[emergencyType]
	if !ok {
		return dispatch.Escalation{}, ports.Ef(ports.KindInvalid, "emergency.initiate", "unknown emergency type %q", emergencyType)
	}
	if severity == "" {
		severity = defaults.severity
	}
	level := defaults.level
	if severity == dispatch.PriorityCritical {
		level = dispatch.BumpLevel(level)
	}

	now := e.clock.Now()
	esc := dispatch.Escalation{
		ID:              uuid.NewString(),
		Level:           level,
		EmergencyType:   emergencyType,
		Severity:        severity,
		AffectedOrders:  append([]string(nil), orderIDs...),
		AffectedDrivers: append([]string(nil), driverIDs...),
		Status:          dispatch.EscalationInitiated,
		InitiatedAt:     now,
		Timeline: []dispatch.TimelineEntry{{
			At:     now,
			Stage:  "initiated",
			Detail: string(emergencyType),
			Level:  string(level),
		}},
	}
	if err := esc.Validate(); err != nil {
		return dispatch.Escalation{}, ports.E(ports.KindInvalid, "emergency.initiate", err)
	}

	if err := e.notifyTier(ctx, &esc, now); err != nil {
		// The escalation still exists; the checker re-pages on the next sweep.
		e.log.Error("escalation page failed",
			zap.String("escalation_id", esc.ID), zap.String("level", string(esc.Level)), zap.Error(err))
	}
	esc.Status = dispatch.EscalationActive
	esc.Timeline = append(esc.Timeline, dispatch.TimelineEntry{At: now, Stage: "active", Level: string(esc.Level)})

	e.mu.Lock()
	stored := esc
	e.active[esc.ID] = &stored
	e.notifiedAt[esc.ID] = now
	e.mu.Unlock()

	e.log.Info("escalation initiated",
		zap.String("escalation_id", esc.ID),
		zap.String("type", string(emergencyType)),
		zap.String("level", string(esc.Level)))
	return esc, nil
}

// Resolve closes an active escalation.
func (e *Escalator) Resolve(id, detail string) error {
	return e.close(id, dispatch.EscalationResolved, detail)
}

// Fail marks an escalation failed without removing its history entry.
func (e *Escalator) Fail(id, detail string) error {
	return e.close(id, dispatch.EscalationFailed, detail)
}

func (e *Escalator) close(id string, status dispatch.EscalationStatus, detail string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, ok := e.active[id]
	if !ok {
		return ports.Ef(ports.KindInvalid, "emergency.close", "escalation %s is not active", id)
	}
	esc.Status = status
	esc.Timeline = append(esc.Timeline, dispatch.TimelineEntry{
		At:     e.clock.Now(),
		Stage:  string(status),
		Detail: detail,
		Level:  string(esc.Level),
	})
	delete(e.active, id)
	delete(e.notifiedAt, id)
	return nil
}

// Get returns a copy of an active escalation.
func (e *Escalator) Get(id string) (dispatch.Escalation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, ok := e.active[id]
	if !ok {
		return dispatch.Escalation{}, false
	}
	return *esc, true
}

// ActiveCount reports the number of open escalations.
func (e *Escalator) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// StartChecker sweeps the active set each minute: resolved conditions close
// out, expired response windows walk the chain up one tier. Returns a stop
// function.
func (e *Escalator) StartChecker(ctx context.Context) func() {
	return e.clock.AfterEvery(time.Minute, func(now time.Time) {
		e.sweep(ctx, now)
	})
}

func (e *Escalator) sweep(ctx context.Context, now time.Time) {
	// Snapshot under the lock; Resolve and Fail mutate the same records from
	// other goroutines.
	e.mu.Lock()
	type due struct {
		esc      dispatch.Escalation
		notified time.Time
	}
	pending := make([]due, 0, len(e.active))
	for id, esc := range e.active {
		pending = append(pending, due{esc: *esc, notified: e.notifiedAt[id]})
	}
	e.mu.Unlock()

	for _, item := range pending {
		if e.resolved(item.esc) {
			if err := e.Resolve(item.esc.ID, "condition cleared"); err != nil {
				e.log.Warn("resolution sweep", zap.String("escalation_id", item.esc.ID), zap.Error(err))
			}
			continue
		}
		window := responseWindow[item.esc.Level]
		if now.Sub(item.notified) < window {
			continue
		}
		e.advance(ctx, item.esc.ID, now)
	}
}

// advance moves an unanswered escalation up one tier, or to fallback once the
// executive window also lapses. The level only ever climbs.
func (e *Escalator) advance(ctx context.Context, id string, now time.Time) {
	e.mu.Lock()
	esc, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	if esc.Level == dispatch.LevelExecutive {
		esc.Status = dispatch.EscalationFallback
		esc.Timeline = append(esc.Timeline, dispatch.TimelineEntry{
			At:     now,
			Stage:  string(dispatch.EscalationFallback),
			Detail: "executive window exceeded",
			Level:  string(esc.Level),
		})
		delete(e.active, id)
		delete(e.notifiedAt, id)
		e.mu.Unlock()
		e.log.Error("escalation exhausted the chain", zap.String("escalation_id", id))
		return
	}
	esc.Level = dispatch.BumpLevel(esc.Level)
	esc.Timeline = append(esc.Timeline, dispatch.TimelineEntry{
		At:     now,
		Stage:  "escalated",
		Detail: "response window exceeded",
		Level:  string(esc.Level),
	})
	e.notifiedAt[id] = now
	copyEsc := *esc
	e.mu.Unlock()

	if err := e.notifyTier(ctx, &copyEsc, now); err != nil {
		e.log.Error("tier page failed",
			zap.String("escalation_id", id), zap.String("level", string(copyEsc.Level)), zap.Error(err))
	}
	e.log.Warn("escalation advanced",
		zap.String("escalation_id", id), zap.String("level", string(copyEsc.Level)))
}

func (e *Escalator) notifyTier(ctx context.Context, esc *dispatch.Escalation, now time.Time) error {
	return e.gateway.Notify(ctx, esc.Level, map[string]any{
		"escalation_id": esc.ID,
		"type":          string(esc.EmergencyType),
		"severity":      string(esc.Severity),
		"orders":        esc.AffectedOrders,
		"drivers":       esc.AffectedDrivers,
		"at":            now,
	})
}
