package assignment

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/agents/fleet"
	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/ports/inmem"
)

var riyadh = dispatch.LatLng{Lat: 24.7136, Lng: 46.6753}

type recordingSink struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (s *recordingSink) Inject(event dispatch.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) Events() []dispatch.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Event, len(s.events))
	copy(out, s.events)
	return out
}

func testDriver(id string, loc dispatch.LatLng, reportedAt time.Time) dispatch.Driver {
	return dispatch.Driver{
		ID:                 id,
		VehicleType:        dispatch.VehicleCar,
		Status:             dispatch.DriverAvailable,
		Location:           dispatch.DriverLocation{LatLng: loc, ReportedAt: reportedAt},
		BatteryPct:         90,
		Rating:             4.8,
		ExpressSuccessRate: 0.95,
	}
}

func testOrder(id string, class dispatch.ServiceClass, createdAt time.Time) dispatch.Order {
	promise := 4 * time.Hour
	if class == dispatch.ServiceExpress {
		promise = time.Hour
	}
	return dispatch.Order{
		ID:           id,
		ServiceClass: class,
		Status:       dispatch.OrderPending,
		CreatedAt:    createdAt,
		PromisedAt:   createdAt.Add(promise),
		Pickup:       riyadh,
		Delivery:     dispatch.LatLng{Lat: riyadh.Lat + 0.02, Lng: riyadh.Lng + 0.02},
		Priority:     5,
	}
}

type fixture struct {
	orders   *inmem.OrderStore
	drivers  *inmem.DriverStore
	notifier *inmem.Notifier
	clock    *inmem.Clock
	sink     *recordingSink
	fleet    *fleet.Agent
	assigner *Assigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := inmem.NewClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	orders := inmem.NewOrderStore()
	drivers := inmem.NewDriverStore()
	notifier := inmem.NewNotifier()
	sink := &recordingSink{}
	cfg := config.Default()
	log := zap.NewNop()
	return &fixture{
		orders:   orders,
		drivers:  drivers,
		notifier: notifier,
		clock:    clock,
		sink:     sink,
		fleet:    fleet.New(drivers, clock, cfg, log),
		assigner: New(orders, drivers, notifier, clock, sink, cfg, log),
	}
}

func (f *fixture) snapshot(t *testing.T) fleet.Snapshot {
	t.Helper()
	snap, err := f.fleet.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("fleet snapshot: %v", err)
	}
	return snap
}

func TestAssignPicksNearestAvailableDriver(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := f.clock.Now()

	near := testDriver("driver-near", dispatch.LatLng{Lat: riyadh.Lat + 0.005, Lng: riyadh.Lng}, now)
	far := testDriver("driver-far", dispatch.LatLng{Lat: riyadh.Lat + 0.03, Lng: riyadh.Lng}, now)
	if err := f.drivers.Put(near); err != nil {
		t.Fatalf("put near: %v", err)
	}
	if err := f.drivers.Put(far); err != nil {
		t.Fatalf("put far: %v", err)
	}

	order := testOrder("order-1", dispatch.ServiceExpress, now)
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}

	result, err := f.assigner.Assign(context.Background(), order, f.snapshot(t))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if result.Queued {
		t.Fatal("expected assignment, got queued")
	}
	if result.DriverID != "driver-near" {
		t.Fatalf("expected driver-near, got %q", result.DriverID)
	}
	if result.Confidence <= 0 || result.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", result.Confidence)
	}

	stored, err := f.orders.GetByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.AssignedDriverID != "driver-near" {
		t.Fatalf("order not claimed, assigned=%q", stored.AssignedDriverID)
	}
	if stored.Status != dispatch.OrderAssigned {
		t.Fatalf("expected assigned status, got %q", stored.Status)
	}

	driver, err := f.drivers.GetByID(context.Background(), "driver-near")
	if err != nil {
		t.Fatalf("get driver: %v", err)
	}
	if driver.ActiveExpressCount != 1 || len(driver.ActiveOrderIDs) != 1 {
		t.Fatalf("driver load not updated: express=%d orders=%v",
			driver.ActiveExpressCount, driver.ActiveOrderIDs)
	}
}

func TestAssignQueuesWhenNoCandidates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := f.clock.Now()

	// Only driver is outside the express radius.
	distant := testDriver("driver-distant", dispatch.LatLng{Lat: riyadh.Lat + 0.1, Lng: riyadh.Lng}, now)
	if err := f.drivers.Put(distant); err != nil {
		t.Fatalf("put driver: %v", err)
	}

	order := testOrder("order-1", dispatch.ServiceExpress, now)
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}

	result, err := f.assigner.Assign(context.Background(), order, f.snapshot(t))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !result.Queued {
		t.Fatal("expected queued result")
	}
	if len(result.Recommendations) != 1 || result.Recommendations[0] != RecommendActivateStandby {
		t.Fatalf("expected standby recommendation, got %v", result.Recommendations)
	}
}

func TestAssignExpressRequiresCapableDriver(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := f.clock.Now()

	weak := testDriver("driver-weak", riyadh, now)
	weak.ExpressSuccessRate = 0.5
	strong := testDriver("driver-strong", dispatch.LatLng{Lat: riyadh.Lat + 0.01, Lng: riyadh.Lng}, now)
	if err := f.drivers.Put(weak); err != nil {
		t.Fatalf("put weak: %v", err)
	}
	if err := f.drivers.Put(strong); err != nil {
		t.Fatalf("put strong: %v", err)
	}

	order := testOrder("order-1", dispatch.ServiceExpress, now)
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}

	result, err := f.assigner.Assign(context.Background(), order, f.snapshot(t))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if result.DriverID != "driver-strong" {
		t.Fatalf("express order went to non-capable driver %q", result.DriverID)
	}
}

func TestAssignLostRaceReturnsWinner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := f.clock.Now()

	if err := f.drivers.Put(testDriver("driver-1", riyadh, now)); err != nil {
		t.Fatalf("put driver: %v", err)
	}
	order := testOrder("order-1", dispatch.ServiceStandard, now)
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}

	// Another actor claims the order before our CAS lands.
	if err := f.orders.CASAssignedDriver(context.Background(), order.ID, "", "driver-other"); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	result, err := f.assigner.Assign(context.Background(), order, f.snapshot(t))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if result.DriverID != "driver-other" {
		t.Fatalf("expected race winner driver-other, got %q", result.DriverID)
	}
}

func TestConcurrentAssignClaimsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := f.clock.Now()

	if err := f.drivers.Put(testDriver("driver-1", riyadh, now)); err != nil {
		t.Fatalf("put driver: %v", err)
	}
	order := testOrder("order-1", dispatch.ServiceStandard, now)
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}
	snap := f.snapshot(t)

	const workers = 8
	results := make([]Result, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.assigner.Assign(context.Background(), order, snap)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i].DriverID != "driver-1" {
			t.Fatalf("worker %d got driver %q", i, results[i].DriverID)
		}
	}
	stored, err := f.orders.GetByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.AssignedDriverID != "driver-1" {
		t.Fatalf("final assignment %q", stored.AssignedDriverID)
	}
}

func TestReassignMovesOrderAndBookkeeping(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := f.clock.Now()

	old := testDriver("driver-old", riyadh, now)
	replacement := testDriver("driver-new", dispatch.LatLng{Lat: riyadh.Lat + 0.005, Lng: riyadh.Lng}, now)
	if err := f.drivers.Put(old); err != nil {
		t.Fatalf("put old: %v", err)
	}
	if err := f.drivers.Put(replacement); err != nil {
		t.Fatalf("put new: %v", err)
	}

	order := testOrder("order-1", dispatch.ServiceExpress, now)
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}
	first, err := f.assigner.Assign(context.Background(), order, f.snapshot(t))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	status := dispatch.SLAStatus{OrderID: order.ID, Category: dispatch.SLACritical, CanMeetSLA: false}
	result, err := f.assigner.Reassign(context.Background(), order.ID, "sla critical", status, f.snapshot(t))
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if result.DriverID == "" || result.DriverID == first.DriverID {
		t.Fatalf("reassignment stayed on %q", result.DriverID)
	}

	stored, err := f.orders.GetByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.AssignedDriverID != result.DriverID {
		t.Fatalf("order assigned to %q, want %q", stored.AssignedDriverID, result.DriverID)
	}

	previous, err := f.drivers.GetByID(context.Background(), first.DriverID)
	if err != nil {
		t.Fatalf("get previous driver: %v", err)
	}
	if len(previous.ActiveOrderIDs) != 0 || previous.ActiveExpressCount != 0 {
		t.Fatalf("previous driver still loaded: orders=%v express=%d",
			previous.ActiveOrderIDs, previous.ActiveExpressCount)
	}
	next, err := f.drivers.GetByID(context.Background(), result.DriverID)
	if err != nil {
		t.Fatalf("get next driver: %v", err)
	}
	if len(next.ActiveOrderIDs) != 1 || next.ActiveExpressCount != 1 {
		t.Fatalf("next driver load wrong: orders=%v express=%d",
			next.ActiveOrderIDs, next.ActiveExpressCount)
	}

	record, ok := f.assigner.LastReassign(order.ID)
	if !ok {
		t.Fatal("missing reassign record")
	}
	if record.FromDriver != first.DriverID || record.ToDriver != result.DriverID {
		t.Fatalf("record %+v", record)
	}

	// Old driver removal notice, new driver assignment notice, ops email.
	var inApp, email int
	for _, note := range f.notifier.Sent() {
		switch note.Channel {
		case "in_app":
			inApp++
		case "email":
			email++
		}
	}
	if inApp < 3 || email < 1 {
		t.Fatalf("notifications in_app=%d email=%d", inApp, email)
	}
}

func TestReassignExcludesFailedDrivers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := f.clock.Now()

	for _, id := range []string{"driver-a", "driver-b", "driver-c"} {
		if err := f.drivers.Put(testDriver(id, riyadh, now)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	order := testOrder("order-1", dispatch.ServiceStandard, now)
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}
	if err := f.orders.CASAssignedDriver(context.Background(), order.ID, "", "driver-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	f.assigner.MarkDriverFailed(order.ID, "driver-b")

	status := dispatch.SLAStatus{OrderID: order.ID, Category: dispatch.SLACritical}
	result, err := f.assigner.Reassign(context.Background(), order.ID, "driver failed", status, f.snapshot(t))
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if result.DriverID != "driver-c" {
		t.Fatalf("expected driver-c, got %q", result.DriverID)
	}
}

func TestReassignEscalatesAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := f.clock.Now()

	order := testOrder("order-1", dispatch.ServiceStandard, now)
	if err := f.orders.Put(order); err != nil {
		t.Fatalf("put order: %v", err)
	}
	if err := f.orders.CASAssignedDriver(context.Background(), order.ID, "", "driver-gone"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	status := dispatch.SLAStatus{OrderID: order.ID, Category: dispatch.SLACritical}
	// Empty fleet: every attempt fails to find a replacement.
	for i := 0; i < maxReassignFailures; i++ {
		result, err := f.assigner.Reassign(context.Background(), order.ID, "no drivers", status, f.snapshot(t))
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if !result.Queued {
			t.Fatalf("attempt %d unexpectedly assigned %q", i, result.DriverID)
		}
	}

	events := f.sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected one escalation event, got %d", len(events))
	}
	if events[0].Type != dispatch.EventInternalEscalate || events[0].OrderID != order.ID {
		t.Fatalf("unexpected event %+v", events[0])
	}

	// Attempt budget exhausted; further reassignments are refused.
	stored, err := f.orders.GetByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if f.assigner.ShouldReassign(stored, status) {
		t.Fatal("reassignment should be exhausted")
	}
}

func TestShouldReassignRejectsTerminalOrders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	order := testOrder("order-1", dispatch.ServiceStandard, f.clock.Now())
	order.Status = dispatch.OrderDelivered
	if f.assigner.ShouldReassign(order, dispatch.SLAStatus{}) {
		t.Fatal("delivered order must not be reassigned")
	}
	order.Status = dispatch.OrderCancelled
	if f.assigner.ShouldReassign(order, dispatch.SLAStatus{}) {
		t.Fatal("cancelled order must not be reassigned")
	}
}

func TestStandardOrdersUseWiderRadius(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	now := f.clock.Now()

	// Roughly 7.8km north: outside the 5km express radius, inside 10km standard.
	mid := testDriver("driver-mid", dispatch.LatLng{Lat: riyadh.Lat + 0.07, Lng: riyadh.Lng}, now)
	if err := f.drivers.Put(mid); err != nil {
		t.Fatalf("put driver: %v", err)
	}

	express := testOrder("order-express", dispatch.ServiceExpress, now)
	standard := testOrder("order-standard", dispatch.ServiceStandard, now)
	if err := f.orders.Put(express); err != nil {
		t.Fatalf("put express: %v", err)
	}
	if err := f.orders.Put(standard); err != nil {
		t.Fatalf("put standard: %v", err)
	}
	snap := f.snapshot(t)

	expressResult, err := f.assigner.Assign(context.Background(), express, snap)
	if err != nil {
		t.Fatalf("assign express: %v", err)
	}
	if !expressResult.Queued {
		t.Fatalf("express order assigned beyond radius to %q", expressResult.DriverID)
	}

	standardResult, err := f.assigner.Assign(context.Background(), standard, snap)
	if err != nil {
		t.Fatalf("assign standard: %v", err)
	}
	if standardResult.Queued {
		t.Fatal("standard order should reach the wider radius driver")
	}
	if standardResult.DriverID != "driver-mid" {
		t.Fatalf("got %q", standardResult.DriverID)
	}
}
