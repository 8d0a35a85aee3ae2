// Package assignment scores drivers for orders and performs the atomic
// assignment and reassignment protocol over the order repository's CAS.
package assignment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/agents/fleet"
	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/geo"
	"github.com/tiger/instant-dispatch/internal/core/ports"
)

const (
	maxReassignFailures = 3
	etaMinutesPerKm     = 3.0
)

// RecommendActivateStandby is attached to QUEUED results with no candidates.
const RecommendActivateStandby = "ACTIVATE_STANDBY_DRIVERS"

// EventSink receives internal escalation events raised by the protocol.
type EventSink interface {
	Inject(event dispatch.Event)
}

// Result is the assignment outcome handed back to the orchestrator.
type Result struct {
	DriverID        string
	Confidence      float64
	Queued          bool
	Recommendations []string
}

// Assigner owns assignment locking and per-order reassignment bookkeeping.
type Assigner struct {
	orders   ports.OrderRepository
	drivers  ports.DriverRepository
	notifier ports.Notifier
	clock    ports.Clock
	sink     EventSink
	cfg      config.Config
	log      *zap.Logger

	mu             sync.Mutex
	reassignLocked map[string]bool
	failedAttempts map[string]int
	excludedDriver map[string]map[string]bool
	lastReassign   map[string]ReassignRecord
}

// ReassignRecord captures one completed reassignment for audit.
type ReassignRecord struct {
	OrderID    string
	FromDriver string
	ToDriver   string
	Reason     string
	At         time.Time
}

func New(
	orders ports.OrderRepository,
	drivers ports.DriverRepository,
	notifier ports.Notifier,
	clock ports.Clock,
	sink EventSink,
	cfg config.Config,
	log *zap.Logger,
) *Assigner {
	return &Assigner{
		orders:         orders,
		drivers:        drivers,
		notifier:       notifier,
		clock:          clock,
		sink:           sink,
		cfg:            cfg.Normalize(),
		log:            log,
		reassignLocked: make(map[string]bool),
		failedAttempts: make(map[string]int),
		excludedDriver: make(map[string]map[string]bool),
		lastReassign:   make(map[string]ReassignRecord),
	}
}

// Assign picks the best candidate from the snapshot and CAS-claims the order.
// A conflict is retried once against fresh order state, then surfaced.
func (a *Assigner) Assign(ctx context.Context, order dispatch.Order, snap fleet.Snapshot) (Result, error) {
	best, score, ok := a.pickCandidate(order, snap, nil)
	if !ok {
		return Result{Queued: true, Recommendations: []string{RecommendActivateStandby}}, nil
	}

	err := a.orders.CASAssignedDriver(ctx, order.ID, "", best.Driver.ID)
	if err != nil && ports.KindOf(err) == ports.KindConflict {
		fresh, getErr := a.orders.GetByID(ctx, order.ID)
		if getErr != nil {
			return Result{}, getErr
		}
		if fresh.AssignedDriverID != "" {
			// Someone else won the race; idempotent success from the caller's view.
			return Result{DriverID: fresh.AssignedDriverID, Confidence: score}, nil
		}
		err = a.orders.CASAssignedDriver(ctx, order.ID, "", best.Driver.ID)
	}
	if err != nil {
		return Result{}, err
	}

	if err := a.drivers.AddActiveOrder(ctx, best.Driver.ID, order.ID, order.ServiceClass); err != nil {
		a.log.Warn("driver load bookkeeping failed",
			zap.String("order_id", order.ID), zap.String("driver_id", best.Driver.ID), zap.Error(err))
	}
	a.notifyDriver(ctx, best.Driver.ID, order.ID, "order_assigned")
	return Result{DriverID: best.Driver.ID, Confidence: score}, nil
}

// pickCandidate scores candidates and returns the best with its score.
func (a *Assigner) pickCandidate(order dispatch.Order, snap fleet.Snapshot, exclude map[string]bool) (fleet.DriverState, float64, bool) {
	maxRadius := a.cfg.MaxRadiusStandardKm
	if order.ServiceClass == dispatch.ServiceExpress {
		maxRadius = a.cfg.MaxRadiusExpressKm
	}
	breachMin := a.cfg.Thresholds(order.ServiceClass).BreachMin

	var best fleet.DriverState
	bestScore := 0.0
	found := false
	for _, state := range snap.Available(order.ServiceClass) {
		if exclude[state.Driver.ID] {
			continue
		}
		if order.ServiceClass == dispatch.ServiceExpress && !state.ExpressCapable {
			continue
		}
		distanceKm := geo.HaversineKm(state.Driver.Location.LatLng, order.Pickup)
		distanceFactor := 1 - distanceKm/maxRadius
		if distanceFactor <= 0 {
			continue
		}
		etaFactor := 1 - (distanceKm*etaMinutesPerKm)/breachMin
		if etaFactor < 0 {
			etaFactor = 0
		}
		score := state.Score * distanceFactor * etaFactor
		if score > bestScore {
			best, bestScore, found = state, score, true
		}
	}
	return best, bestScore, found
}

// ShouldReassign applies the protocol preconditions.
func (a *Assigner) ShouldReassign(order dispatch.Order, status dispatch.SLAStatus) bool {
	a.mu.Lock()
	locked := a.reassignLocked[order.ID]
	a.mu.Unlock()
	if locked {
		return false
	}
	return a.eligible(order)
}

// eligible checks every precondition except the in-progress lock, which the
// reassign path holds itself.
func (a *Assigner) eligible(order dispatch.Order) bool {
	if order.Terminal() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failedAttempts[order.ID] < maxReassignFailures
}

// Reassign atomically moves the order to the best candidate excluding the
// current driver and every driver that already failed it.
func (a *Assigner) Reassign(ctx context.Context, orderID, reason string, status dispatch.SLAStatus, snap fleet.Snapshot) (Result, error) {
	if !a.lockForReassign(orderID) {
		return Result{}, ports.Ef(ports.KindConflict, "assignment.reassign", "order %s reassignment already in progress", orderID)
	}
	defer a.unlockReassign(orderID)

	order, err := a.orders.GetByID(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !a.eligible(order) {
		return Result{Queued: true}, nil
	}

	exclude := a.excludedFor(orderID)
	exclude[order.AssignedDriverID] = true

	best, score, ok := a.pickCandidate(order, snap, exclude)
	if !ok {
		a.recordFailure(ctx, orderID)
		return Result{Queued: true, Recommendations: []string{RecommendActivateStandby}}, nil
	}

	oldDriver := order.AssignedDriverID
	if err := a.orders.CASAssignedDriver(ctx, orderID, oldDriver, best.Driver.ID); err != nil {
		a.recordFailure(ctx, orderID)
		return Result{}, err
	}

	now := a.clock.Now()
	a.mu.Lock()
	a.lastReassign[orderID] = ReassignRecord{
		OrderID:    orderID,
		FromDriver: oldDriver,
		ToDriver:   best.Driver.ID,
		Reason:     reason,
		At:         now,
	}
	a.mu.Unlock()

	if oldDriver != "" {
		if err := a.drivers.RemoveActiveOrder(ctx, oldDriver, orderID, order.ServiceClass); err != nil {
			a.log.Warn("old driver load bookkeeping failed", zap.String("driver_id", oldDriver), zap.Error(err))
		}
		a.notifyDriver(ctx, oldDriver, orderID, "order_removed")
	}
	if err := a.drivers.AddActiveOrder(ctx, best.Driver.ID, orderID, order.ServiceClass); err != nil {
		a.log.Warn("new driver load bookkeeping failed", zap.String("driver_id", best.Driver.ID), zap.Error(err))
	}
	a.notifyDriver(ctx, best.Driver.ID, orderID, "order_assigned")
	a.notifyOps(ctx, orderID, oldDriver, best.Driver.ID, reason)

	a.log.Info("order reassigned",
		zap.String("order_id", orderID),
		zap.String("from", oldDriver),
		zap.String("to", best.Driver.ID),
		zap.String("reason", reason))
	return Result{DriverID: best.Driver.ID, Confidence: score}, nil
}

// MarkDriverFailed excludes a driver from future candidates for the order.
func (a *Assigner) MarkDriverFailed(orderID, driverID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.excludedDriver[orderID] == nil {
		a.excludedDriver[orderID] = make(map[string]bool)
	}
	a.excludedDriver[orderID][driverID] = true
}

// LastReassign returns the most recent reassignment record for an order.
func (a *Assigner) LastReassign(orderID string) (ReassignRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	record, ok := a.lastReassign[orderID]
	return record, ok
}

func (a *Assigner) excludedFor(orderID string) map[string]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	exclude := make(map[string]bool, len(a.excludedDriver[orderID])+1)
	for id := range a.excludedDriver[orderID] {
		exclude[id] = true
	}
	return exclude
}

func (a *Assigner) lockForReassign(orderID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reassignLocked[orderID] {
		return false
	}
	a.reassignLocked[orderID] = true
	return true
}

func (a *Assigner) unlockReassign(orderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reassignLocked, orderID)
}

func (a *Assigner) recordFailure(ctx context.Context, orderID string) {
	a.mu.Lock()
	a.failedAttempts[orderID]++
	failures := a.failedAttempts[orderID]
	a.mu.Unlock()

	if failures >= maxReassignFailures && a.sink != nil {
		a.sink.Inject(dispatch.Event{Type: dispatch.EventInternalEscalate, OrderID: orderID})
	}
}

func (a *Assigner) notifyDriver(ctx context.Context, driverID, orderID, kind string) {
	if a.notifier == nil {
		return
	}
	err := a.notifier.InApp(ctx, driverID, map[string]any{
		"type":     kind,
		"order_id": orderID,
	})
	if err != nil {
		a.log.Warn("driver notification failed", zap.String("driver_id", driverID), zap.Error(err))
	}
}

func (a *Assigner) notifyOps(ctx context.Context, orderID, from, to, reason string) {
	if a.notifier == nil {
		return
	}
	subject := fmt.Sprintf("Order %s reassigned", orderID)
	body := fmt.Sprintf("order %s moved from %s to %s: %s", orderID, from, to, reason)
	if err := a.notifier.Email(ctx, "ops@dispatch", subject, body); err != nil {
		a.log.Warn("ops notification failed", zap.Error(err))
	}
}
