// Package slamonitor drives the per-order SLA state machine and produces
// corrective actions. The monitor is never fatal to the system: a failed tick
// yields an empty report.
package slamonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/geo"
	"github.com/tiger/instant-dispatch/internal/core/ports"
)

const (
	batchSize           = 50
	suppressionTTL      = 5 * time.Minute
	compensationCapSAR  = 200
	expressRatePerMin   = 10
	standardRatePerMin  = 5
	minutesPerKm        = 3 // Haversine fallback pace, matches the route engine
	pickupServiceMin    = 5
	handoverServiceMin  = 3
	dispatchOverheadMin = 2 + 10 + 5 // accept + driver match + pickup handling
)

// EventSink receives internal events a tick injects back into the orchestrator.
type EventSink interface {
	Inject(event dispatch.Event)
}

// BreachRecord is one recorded SLA breach.
type BreachRecord struct {
	OrderID       string
	ServiceClass  dispatch.ServiceClass
	BreachedAt    time.Time
	ExceedMinutes float64
}

// Counts summarises one tick.
type Counts struct {
	Total              int
	Healthy            int
	Warning            int
	Critical           int
	Breached           int
	Predicted15mBreach int
}

// AtRisk counts orders in warning or worse.
func (c Counts) AtRisk() int {
	return c.Warning + c.Critical + c.Breached
}

// Report is the outcome of one monitor tick.
type Report struct {
	TakenAt  time.Time
	Statuses []dispatch.SLAStatus
	Actions  []dispatch.Action
	Counts   Counts
}

// Monitor evaluates every in-flight order against its SLA clock.
type Monitor struct {
	orders     ports.OrderRepository
	drivers    ports.DriverRepository
	autonomous ports.AutonomousOrchestrator
	clock      ports.Clock
	sink       EventSink
	cfg        config.Config
	log        *zap.Logger

	// suppression dedupes actions per (order, type) inside the TTL window.
	suppression *gocache.Cache

	mu       sync.Mutex
	observed map[string]dispatch.SLACategory
	breaches map[string]BreachRecord
}

func New(
	orders ports.OrderRepository,
	drivers ports.DriverRepository,
	autonomous ports.AutonomousOrchestrator,
	clock ports.Clock,
	sink EventSink,
	cfg config.Config,
	log *zap.Logger,
) *Monitor {
	return &Monitor{
		orders:      orders,
		drivers:     drivers,
		autonomous:  autonomous,
		clock:       clock,
		sink:        sink,
		cfg:         cfg.Normalize(),
		log:         log,
		suppression: gocache.New(suppressionTTL, time.Minute),
		observed:    make(map[string]dispatch.SLACategory),
		breaches:    make(map[string]BreachRecord),
	}
}

// Evaluate computes the SLA status of one order at now. The reported category
// never regresses for an in-flight order.
func (m *Monitor) Evaluate(ctx context.Context, order dispatch.Order, now time.Time) dispatch.SLAStatus {
	thresholds := m.cfg.Thresholds(order.ServiceClass)
	elapsed := now.Sub(order.CreatedAt).Minutes()
	predicted := m.predictDeliveryMin(ctx, order)

	elapsedCat := categorize(elapsed, thresholds)
	predictedCat := categorize(elapsed+predicted, thresholds)
	if predictedCat == dispatch.SLABreached && elapsedCat != dispatch.SLABreached {
		// A future breach is critical now; breached is reserved for elapsed time.
		predictedCat = dispatch.SLACritical
	}
	category := dispatch.WorseSLA(elapsedCat, predictedCat)

	m.mu.Lock()
	if prev, ok := m.observed[order.ID]; ok {
		category = dispatch.WorseSLA(category, prev)
	}
	if order.Terminal() {
		delete(m.observed, order.ID)
	} else {
		m.observed[order.ID] = category
	}
	m.mu.Unlock()

	return dispatch.SLAStatus{
		OrderID:              order.ID,
		ServiceClass:         order.ServiceClass,
		ElapsedMin:           elapsed,
		RemainingMin:         thresholds.BreachMin - elapsed,
		Category:             category,
		PredictedDeliveryMin: predicted,
		CanMeetSLA:           elapsed+predicted <= thresholds.BreachMin,
		AlertRequired:        dispatch.SLAAtLeast(category, dispatch.SLACritical),
		ActionRequired:       dispatch.SLAAtLeast(category, dispatch.SLAWarning),
	}
}

func (m *Monitor) predictDeliveryMin(ctx context.Context, order dispatch.Order) float64 {
	deliveryMin := geo.HaversineKm(order.Pickup, order.Delivery) * minutesPerKm

	switch order.Status {
	case dispatch.OrderPending:
		extra := 25.0
		if order.ServiceClass == dispatch.ServiceExpress {
			extra = 15
		}
		return dispatchOverheadMin + extra
	case dispatch.OrderAssigned:
		travel := deliveryMin // conservative default when the driver is unknown
		if order.AssignedDriverID != "" {
			if driver, err := m.drivers.GetByID(ctx, order.AssignedDriverID); err == nil {
				travel = geo.HaversineKm(driver.Location.LatLng, order.Pickup) * minutesPerKm
			}
		}
		return travel + pickupServiceMin + deliveryMin
	case dispatch.OrderPickupInProgress:
		return handoverServiceMin + deliveryMin
	case dispatch.OrderDeliveryInProgress:
		if order.AssignedDriverID != "" {
			if driver, err := m.drivers.GetByID(ctx, order.AssignedDriverID); err == nil {
				return geo.HaversineKm(driver.Location.LatLng, order.Delivery) * minutesPerKm
			}
		}
		return deliveryMin
	default:
		return 0
	}
}

func categorize(elapsedMin float64, thresholds config.SLAThresholds) dispatch.SLACategory {
	switch {
	case elapsedMin >= thresholds.BreachMin:
		return dispatch.SLABreached
	case elapsedMin >= thresholds.CriticalMin:
		return dispatch.SLACritical
	case elapsedMin >= thresholds.WarningMin:
		return dispatch.SLAWarning
	default:
		return dispatch.SLAHealthy
	}
}

// Tick evaluates every active order and produces corrective actions. A total
// read failure yields an empty report and no error.
func (m *Monitor) Tick(ctx context.Context) Report {
	now := m.clock.Now()
	orders, err := m.readActive(ctx)
	if err != nil {
		m.log.Error("sla tick read failed, yielding empty report", zap.Error(err))
		return Report{TakenAt: now}
	}

	report := Report{TakenAt: now}
	for _, order := range orders {
		status := m.Evaluate(ctx, order, now)
		report.Statuses = append(report.Statuses, status)
		report.Counts.Total++
		switch status.Category {
		case dispatch.SLAHealthy:
			report.Counts.Healthy++
		case dispatch.SLAWarning:
			report.Counts.Warning++
		case dispatch.SLACritical:
			report.Counts.Critical++
		case dispatch.SLABreached:
			report.Counts.Breached++
		}
		thresholds := m.cfg.Thresholds(order.ServiceClass)
		if status.Category != dispatch.SLABreached && status.ElapsedMin+15 >= thresholds.BreachMin {
			report.Counts.Predicted15mBreach++
		}
		report.Actions = append(report.Actions, m.actionsFor(order, status, now)...)
	}

	m.injectInternalEvents(report.Actions)
	m.publishAutonomous(ctx, report)
	return report
}

func (m *Monitor) readActive(ctx context.Context) ([]dispatch.Order, error) {
	var all []dispatch.Order
	offset := 0
	for {
		var batch []dispatch.Order
		err := retry.Do(
			func() error {
				var readErr error
				batch, readErr = m.orders.GetActive(ctx, ports.OrderFilter{Limit: batchSize, Offset: offset})
				return readErr
			},
			retry.Attempts(3),
			retry.Delay(100*time.Millisecond),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		if err != nil {
			return nil, fmt.Errorf("read active orders at offset %d: %w", offset, err)
		}
		all = append(all, batch...)
		if len(batch) < batchSize {
			return all, nil
		}
		offset += batchSize
	}
}

func (m *Monitor) actionsFor(order dispatch.Order, status dispatch.SLAStatus, now time.Time) []dispatch.Action {
	var actions []dispatch.Action
	emit := func(action dispatch.Action) {
		key := order.ID + "|" + string(action.Type)
		if err := m.suppression.Add(key, struct{}{}, suppressionTTL); err != nil {
			return // emitted within the window already
		}
		actions = append(actions, action)
	}

	thresholds := m.cfg.Thresholds(order.ServiceClass)
	switch status.Category {
	case dispatch.SLABreached:
		delay := status.ElapsedMin - thresholds.BreachMin
		rate := float64(standardRatePerMin)
		if order.ServiceClass == dispatch.ServiceExpress {
			rate = expressRatePerMin
		}
		amount := min(compensationCapSAR, delay*rate)
		emit(dispatch.Action{
			Type:      dispatch.ActionCustomerCompensation,
			Priority:  dispatch.PriorityCritical,
			Immediate: true,
			OrderID:   order.ID,
			AmountSAR: amount,
			Reason:    fmt.Sprintf("sla breached by %.0f min", delay),
		})
		emit(dispatch.Action{
			Type:     dispatch.ActionCustomerNotification,
			Priority: dispatch.PriorityCritical,
			OrderID:  order.ID,
		})
		emit(dispatch.Action{
			Type:     dispatch.ActionIncidentReport,
			Priority: dispatch.PriorityHigh,
			OrderID:  order.ID,
		})
		m.recordBreach(order, delay, now)

	case dispatch.SLACritical:
		if !status.CanMeetSLA {
			emit(dispatch.Action{
				Type:      dispatch.ActionEmergencyReassignment,
				Priority:  dispatch.PriorityCritical,
				Immediate: true,
				OrderID:   order.ID,
			})
		} else {
			emit(dispatch.Action{
				Type:     dispatch.ActionExpediteDelivery,
				Priority: dispatch.PriorityHigh,
				OrderID:  order.ID,
			})
		}
		emit(dispatch.Action{
			Type:     dispatch.ActionSupervisorAlert,
			Priority: dispatch.PriorityHigh,
			OrderID:  order.ID,
			Target:   string(dispatch.LevelSupervisor),
		})

	case dispatch.SLAWarning:
		emit(dispatch.Action{
			Type:     dispatch.ActionOptimizeRoute,
			Priority: dispatch.PriorityMedium,
			OrderID:  order.ID,
		})
		if order.ServiceClass == dispatch.ServiceExpress {
			emit(dispatch.Action{
				Type:     dispatch.ActionProactiveCommunication,
				Priority: dispatch.PriorityMedium,
				OrderID:  order.ID,
			})
		}
	}
	return actions
}

func (m *Monitor) recordBreach(order dispatch.Order, exceedMinutes float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.breaches[order.ID]; seen {
		return
	}
	m.breaches[order.ID] = BreachRecord{
		OrderID:       order.ID,
		ServiceClass:  order.ServiceClass,
		BreachedAt:    now,
		ExceedMinutes: exceedMinutes,
	}
}

// BreachHistory returns the recorded breaches.
func (m *Monitor) BreachHistory() []BreachRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]BreachRecord, 0, len(m.breaches))
	for _, record := range m.breaches {
		records = append(records, record)
	}
	return records
}

func (m *Monitor) injectInternalEvents(actions []dispatch.Action) {
	if m.sink == nil {
		return
	}
	for _, action := range actions {
		switch action.Type {
		case dispatch.ActionEmergencyReassignment:
			m.sink.Inject(dispatch.Event{Type: dispatch.EventInternalReassign, OrderID: action.OrderID})
		case dispatch.ActionSupervisorAlert:
			m.sink.Inject(dispatch.Event{Type: dispatch.EventInternalEscalate, OrderID: action.OrderID})
		}
	}
}

func (m *Monitor) publishAutonomous(ctx context.Context, report Report) {
	if m.autonomous == nil {
		return
	}
	trigger := m.cfg.Autonomous
	counts := report.Counts

	reason := ""
	priority := dispatch.PriorityHigh
	switch {
	case counts.Breached >= trigger.BreachedMin:
		reason = fmt.Sprintf("%d orders breached", counts.Breached)
		priority = dispatch.PriorityCritical
	case counts.Critical >= trigger.CriticalMin:
		reason = fmt.Sprintf("%d orders critical", counts.Critical)
	case counts.Total > 0 && float64(counts.AtRisk())/float64(counts.Total) > trigger.AtRiskPct:
		reason = fmt.Sprintf("%d of %d orders at risk", counts.AtRisk(), counts.Total)
	case counts.Predicted15mBreach > 0:
		reason = fmt.Sprintf("%d breaches predicted within 15m", counts.Predicted15mBreach)
	default:
		return
	}

	err := m.autonomous.Trigger(ctx, "sla-monitor", reason, map[string]any{
		"total":    counts.Total,
		"warning":  counts.Warning,
		"critical": counts.Critical,
		"breached": counts.Breached,
	}, priority)
	if err != nil {
		m.log.Warn("autonomous trigger failed", zap.Error(err))
	}
}
