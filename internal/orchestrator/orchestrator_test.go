package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/agents/assignment"
	"github.com/tiger/instant-dispatch/internal/agents/contextprov"
	"github.com/tiger/instant-dispatch/internal/agents/emergency"
	"github.com/tiger/instant-dispatch/internal/agents/fleet"
	"github.com/tiger/instant-dispatch/internal/agents/routeopt"
	"github.com/tiger/instant-dispatch/internal/agents/slamonitor"
	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/ports"
	"github.com/tiger/instant-dispatch/internal/core/ports/inmem"
)

type nullSink struct{}

func (nullSink) Inject(dispatch.Event) {}

type fixture struct {
	orders   *inmem.OrderStore
	drivers  ports.DriverRepository
	store    *inmem.DriverStore
	notifier *inmem.Notifier
	gateway  *inmem.EscalationGateway
	clock    *inmem.Clock
	orch     *Orchestrator
}

func newFixture(t *testing.T, cfg config.Config, drivers ports.DriverRepository) *fixture {
	t.Helper()
	clock := inmem.NewClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	orders := inmem.NewOrderStore()
	store := inmem.NewDriverStore()
	if drivers == nil {
		drivers = store
	}
	notifier := inmem.NewNotifier()
	gateway := inmem.NewEscalationGateway()
	log := zap.NewNop()
	sink := nullSink{}

	deps := Deps{
		Orders:   orders,
		Drivers:  drivers,
		Fleet:    fleet.New(drivers, clock, cfg, log),
		Monitor:  slamonitor.New(orders, drivers, inmem.NewAutonomous(), clock, sink, cfg, log),
		Engine:   routeopt.New(nil, nil, nil, clock, cfg, log),
		Assigner: assignment.New(orders, drivers, notifier, clock, sink, cfg, log),
		Demand:   contextprov.NewDemand(cfg, 7, log),
		Geo:      contextprov.NewGeo(cfg),
		Batch:    contextprov.NewBatch(),
		Escalate: emergency.NewEscalator(gateway, clock, nil, log),
		Recovery: emergency.NewRecovery(log),
		Clock:    clock,
	}
	return &fixture{
		orders:   orders,
		drivers:  drivers,
		store:    store,
		notifier: notifier,
		gateway:  gateway,
		clock:    clock,
		orch:     New(deps, cfg, log),
	}
}

func availableDriver(id string, loc dispatch.LatLng, now time.Time) dispatch.Driver {
	return dispatch.Driver{
		ID:                 id,
		VehicleType:        dispatch.VehicleBike,
		Status:             dispatch.DriverAvailable,
		Location:           dispatch.DriverLocation{LatLng: loc, ReportedAt: now},
		BatteryPct:         95,
		Rating:             4.8,
		ExpressSuccessRate: 0.95,
		LastBreakAt:        now.Add(-10 * time.Minute),
	}
}

func expressOrder(id string, createdAt time.Time) dispatch.Order {
	return dispatch.Order{
		ID:           id,
		ServiceClass: dispatch.ServiceExpress,
		Status:       dispatch.OrderPending,
		CreatedAt:    createdAt,
		PromisedAt:   createdAt.Add(time.Hour),
		Pickup:       dispatch.LatLng{Lat: 24.71, Lng: 46.67},
		Delivery:     dispatch.LatLng{Lat: 24.72, Lng: 46.68},
		Priority:     7,
	}
}

func TestExpressHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	now := f.clock.Now()

	if err := f.store.Put(availableDriver("d1", dispatch.LatLng{Lat: 24.710, Lng: 46.671}, now)); err != nil {
		t.Fatalf("put driver: %v", err)
	}
	if err := f.orders.Put(expressOrder("o1", now)); err != nil {
		t.Fatalf("put order: %v", err)
	}

	decision := f.orch.Orchestrate(context.Background(), dispatch.Event{
		Type:         dispatch.EventNewOrder,
		OrderID:      "o1",
		ServiceClass: dispatch.ServiceExpress,
	})

	if decision.Action != dispatch.DecisionAssigned {
		t.Fatalf("action %s, risks %v", decision.Action, decision.Risks)
	}
	if decision.DriverID != "d1" {
		t.Fatalf("driver %q", decision.DriverID)
	}
	if decision.Confidence < 0.7 {
		t.Fatalf("confidence %v, want >= 0.7", decision.Confidence)
	}
	if decision.Route == nil {
		t.Fatal("missing route")
	}
	if len(decision.Route.Stops) != 3 {
		t.Fatalf("stops %d, want 3", len(decision.Route.Stops))
	}
	if q := decision.Route.Quality; q != dispatch.QualityExcellent && q != dispatch.QualityGood {
		t.Fatalf("quality %s", q)
	}
}

func TestNewOrderIdempotentPerOrderID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	now := f.clock.Now()

	if err := f.store.Put(availableDriver("d1", dispatch.LatLng{Lat: 24.710, Lng: 46.671}, now)); err != nil {
		t.Fatalf("put driver: %v", err)
	}
	if err := f.orders.Put(expressOrder("o1", now)); err != nil {
		t.Fatalf("put order: %v", err)
	}

	event := dispatch.Event{Type: dispatch.EventNewOrder, OrderID: "o1", ServiceClass: dispatch.ServiceExpress}
	first := f.orch.Orchestrate(context.Background(), event)
	second := f.orch.Orchestrate(context.Background(), event)

	if first.Action != second.Action || first.DriverID != second.DriverID {
		t.Fatalf("replay diverged: %+v vs %+v", first, second)
	}
	// The replay must not double-book the driver.
	driver, err := f.drivers.GetByID(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if len(driver.ActiveOrderIDs) != 1 {
		t.Fatalf("driver orders %v", driver.ActiveOrderIDs)
	}
}

func TestCompletionEvictsIdempotencyRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	now := f.clock.Now()

	if err := f.store.Put(availableDriver("d1", dispatch.LatLng{Lat: 24.710, Lng: 46.671}, now)); err != nil {
		t.Fatalf("put driver: %v", err)
	}
	if err := f.orders.Put(expressOrder("o1", now)); err != nil {
		t.Fatalf("put order: %v", err)
	}

	f.orch.Orchestrate(context.Background(), dispatch.Event{
		Type: dispatch.EventNewOrder, OrderID: "o1", ServiceClass: dispatch.ServiceExpress,
	})
	if got := f.orch.RememberedDecisions(); got != 1 {
		t.Fatalf("remembered decisions %d, want 1", got)
	}

	f.orch.Orchestrate(context.Background(), dispatch.Event{
		Type: dispatch.EventOrderCompleted, OrderID: "o1", ServiceClass: dispatch.ServiceExpress,
	})
	if got := f.orch.RememberedDecisions(); got != 0 {
		t.Fatalf("remembered decisions %d after completion, want 0", got)
	}
}

func TestQueuedWithStandbyRecommendationWhenNoDrivers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	now := f.clock.Now()

	for i := 0; i < 10; i++ {
		order := expressOrder("o"+string(rune('a'+i)), now)
		if err := f.orders.Put(order); err != nil {
			t.Fatalf("put order: %v", err)
		}
		decision := f.orch.Orchestrate(context.Background(), dispatch.Event{
			Type:         dispatch.EventNewOrder,
			OrderID:      order.ID,
			ServiceClass: dispatch.ServiceExpress,
		})
		if decision.Action != dispatch.DecisionQueued {
			t.Fatalf("order %s action %s", order.ID, decision.Action)
		}
		found := false
		for _, rec := range decision.Recommendations {
			if rec == assignment.RecommendActivateStandby {
				found = true
			}
		}
		if !found {
			t.Fatalf("order %s recommendations %v", order.ID, decision.Recommendations)
		}
	}
}

func TestUnknownEventQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)

	decision := f.orch.Orchestrate(context.Background(), dispatch.Event{Type: "COSMIC_RAY"})
	if decision.Action != dispatch.DecisionQueued || decision.Reason != reasonUnknown {
		t.Fatalf("decision %+v", decision)
	}
}

func TestInvalidEventFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)

	decision := f.orch.Orchestrate(context.Background(), dispatch.Event{Type: dispatch.EventNewOrder})
	if decision.Action != dispatch.DecisionFailed {
		t.Fatalf("decision %+v", decision)
	}
}

// failingDrivers makes every List call error so the fleet agent, a critical
// agent, fails.
type failingDrivers struct {
	*inmem.DriverStore
}

func (f failingDrivers) List(ctx context.Context) ([]dispatch.Driver, error) {
	return nil, ports.Ef(ports.KindTransient, "driver.list", "store offline")
}

func TestCriticalAgentFailureForcesFailed(t *testing.T) {
	t.Parallel()
	store := inmem.NewDriverStore()
	f := newFixture(t, config.Default(), failingDrivers{store})
	now := f.clock.Now()

	if err := f.orders.Put(expressOrder("o1", now)); err != nil {
		t.Fatalf("put order: %v", err)
	}
	decision := f.orch.Orchestrate(context.Background(), dispatch.Event{
		Type:         dispatch.EventNewOrder,
		OrderID:      "o1",
		ServiceClass: dispatch.ServiceExpress,
	})
	if decision.Action != dispatch.DecisionFailed {
		t.Fatalf("action %s", decision.Action)
	}
	if len(decision.Risks) == 0 {
		t.Fatal("expected the failure listed in risks")
	}
}

// blockingDrivers holds List until released, to pin an event in flight.
type blockingDrivers struct {
	*inmem.DriverStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingDrivers) List(ctx context.Context) ([]dispatch.Driver, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return b.DriverStore.List(ctx)
}

func TestBackpressureRefusesBeyondInflightMax(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.InflightMax = 1
	blocking := &blockingDrivers{
		DriverStore: inmem.NewDriverStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	f := newFixture(t, cfg, blocking)
	now := f.clock.Now()

	if err := f.orders.Put(expressOrder("o1", now)); err != nil {
		t.Fatalf("put order: %v", err)
	}
	if err := f.orders.Put(expressOrder("o2", now)); err != nil {
		t.Fatalf("put order: %v", err)
	}

	done := make(chan dispatch.Decision, 1)
	go func() {
		done <- f.orch.Orchestrate(context.Background(), dispatch.Event{
			Type: dispatch.EventNewOrder, OrderID: "o1", ServiceClass: dispatch.ServiceExpress,
		})
	}()
	<-blocking.entered

	refused := f.orch.Orchestrate(context.Background(), dispatch.Event{
		Type: dispatch.EventNewOrder, OrderID: "o2", ServiceClass: dispatch.ServiceExpress,
	})
	if refused.Action != dispatch.DecisionQueued || refused.Reason != reasonOverload {
		t.Fatalf("refused decision %+v", refused)
	}
	overload := false
	for _, risk := range refused.Risks {
		if risk == riskOverload {
			overload = true
		}
	}
	if !overload {
		t.Fatalf("risks %v", refused.Risks)
	}

	close(blocking.release)
	<-done
}

func TestSLAWarningRunsEscalationChain(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	now := f.clock.Now()

	order := expressOrder("o1", now.Add(-51*time.Minute))
	order.Status = dispatch.OrderAssigned
	order.AssignedDriverID = "d1"
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}
	busy := availableDriver("d1", dispatch.LatLng{Lat: 24.71, Lng: 46.67}, now)
	busy.Status = dispatch.DriverBusy
	busy.ActiveOrderIDs = []string{"o1"}
	busy.ActiveExpressCount = 1
	if err := f.store.Put(busy); err != nil {
		t.Fatalf("put driver: %v", err)
	}

	decision := f.orch.Orchestrate(context.Background(), dispatch.Event{
		Type:    dispatch.EventSLAWarning,
		OrderID: "o1",
	})

	if decision.Action != dispatch.DecisionQueued {
		t.Fatalf("action %s", decision.Action)
	}
	if len(f.gateway.Pages()) == 0 {
		t.Fatal("expected an escalation page")
	}
	if len(decision.Recommendations) == 0 {
		t.Fatal("expected recovery recommendations")
	}
	if f.orch.State().SLARisk != "high" {
		t.Fatalf("sla risk %s", f.orch.State().SLARisk)
	}
}

func TestInternalReassignSwapsDriver(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	now := f.clock.Now()

	order := expressOrder("o1", now.Add(-51*time.Minute))
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}
	if err := f.orders.CASAssignedDriver(context.Background(), "o1", "", "d1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	stuck := availableDriver("d1", dispatch.LatLng{Lat: 24.71, Lng: 46.67}, now)
	stuck.Status = dispatch.DriverBusy
	stuck.ActiveOrderIDs = []string{"o1"}
	stuck.ActiveExpressCount = 1
	if err := f.store.Put(stuck); err != nil {
		t.Fatalf("put d1: %v", err)
	}
	// Second driver roughly 1 km from pickup.
	if err := f.store.Put(availableDriver("d2", dispatch.LatLng{Lat: 24.719, Lng: 46.67}, now)); err != nil {
		t.Fatalf("put d2: %v", err)
	}

	decision := f.orch.Orchestrate(context.Background(), dispatch.Event{
		Type:    dispatch.EventInternalReassign,
		OrderID: "o1",
	})

	if decision.DriverID != "d2" {
		t.Fatalf("decision %+v", decision)
	}
	stored, err := f.orders.GetByID(context.Background(), "o1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.AssignedDriverID != "d2" {
		t.Fatalf("assigned %q", stored.AssignedDriverID)
	}
	previous, err := f.drivers.GetByID(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get d1: %v", err)
	}
	if len(previous.ActiveOrderIDs) != 0 {
		t.Fatalf("d1 still holds %v", previous.ActiveOrderIDs)
	}
}

func TestDriverOfflineWithActiveOrdersPlansRecovery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	now := f.clock.Now()

	order := expressOrder("o1", now.Add(-10*time.Minute))
	order.Status = dispatch.OrderDeliveryInProgress
	order.AssignedDriverID = "d1"
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}
	offline := availableDriver("d1", dispatch.LatLng{Lat: 24.71, Lng: 46.67}, now)
	offline.Status = dispatch.DriverOffline
	offline.ActiveOrderIDs = []string{"o1"}
	if err := f.store.Put(offline); err != nil {
		t.Fatalf("put driver: %v", err)
	}

	decision := f.orch.Orchestrate(context.Background(), dispatch.Event{
		Type:     dispatch.EventDriverStatusChange,
		DriverID: "d1",
	})

	wantFirst := string(emergency.StrategyReassign)
	found := false
	for _, rec := range decision.Recommendations {
		if rec == wantFirst {
			found = true
		}
	}
	if !found {
		t.Fatalf("recommendations %v missing %s", decision.Recommendations, wantFirst)
	}
}

func TestSystemStateTransitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	now := f.clock.Now()

	for i := 0; i < 31; i++ {
		id := "oe" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if err := f.orders.Put(expressOrder(id, now)); err != nil {
			t.Fatalf("put order: %v", err)
		}
		f.orch.Orchestrate(context.Background(), dispatch.Event{
			Type: dispatch.EventNewOrder, OrderID: id, ServiceClass: dispatch.ServiceExpress,
		})
	}
	state := f.orch.State()
	if state.ActiveExpress != 31 {
		t.Fatalf("active express %d", state.ActiveExpress)
	}
	if state.Mode != ModePeak {
		t.Fatalf("mode %s, want peak", state.Mode)
	}

	for i := 0; i < 31; i++ {
		f.orch.Orchestrate(context.Background(), dispatch.Event{
			Type: dispatch.EventOrderCompleted, ServiceClass: dispatch.ServiceExpress,
		})
	}
	state = f.orch.State()
	if state.ActiveExpress != 0 {
		t.Fatalf("active express %d after completion", state.ActiveExpress)
	}
	if state.Mode != ModeNormal {
		t.Fatalf("mode %s, want normal", state.Mode)
	}
}

func TestSLARiskDecays(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.Default(), nil)
	now := f.clock.Now()

	order := expressOrder("o1", now.Add(-41*time.Minute))
	order.Status = dispatch.OrderAssigned
	order.AssignedDriverID = "d1"
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}
	f.orch.Orchestrate(context.Background(), dispatch.Event{Type: dispatch.EventSLAWarning, OrderID: "o1"})
	if f.orch.State().SLARisk != "high" {
		t.Fatalf("risk %s", f.orch.State().SLARisk)
	}

	f.orch.DecayRisk()
	if f.orch.State().SLARisk != "high" {
		t.Fatal("risk decayed before the window elapsed")
	}
	f.clock.Advance(6 * time.Minute)
	f.orch.DecayRisk()
	if f.orch.State().SLARisk != "normal" {
		t.Fatalf("risk %s after decay window", f.orch.State().SLARisk)
	}
}
