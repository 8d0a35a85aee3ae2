package dispatch

import (
	"testing"
	"time"
)

func TestOrderValidate(t *testing.T) {
	t.Parallel()

	order := Order{ID: "ord-1", ServiceClass: ServiceExpress, Status: OrderPending, Priority: 5}
	if err := order.Validate(); err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}

	bad := order
	bad.Priority = 11
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected priority range error")
	}

	bad = order
	bad.ServiceClass = "SAME_DAY"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected service class error")
	}
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	evt := Event{Type: EventNewOrder, OrderID: "ord-1", ServiceClass: ServiceExpress}
	if err := evt.Validate(); err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if !evt.Known() {
		t.Fatalf("NEW_ORDER must be a known event type")
	}

	if err := (Event{Type: EventNewOrder, ServiceClass: ServiceExpress}).Validate(); err == nil {
		t.Fatalf("expected missing order_id error")
	}
	if err := (Event{Type: EventDriverStatusChange}).Validate(); err == nil {
		t.Fatalf("expected missing driver_id error")
	}
	if (Event{Type: "PIGEON_POST"}).Known() {
		t.Fatalf("unknown event type must not be known")
	}
}

func TestRouteValidate(t *testing.T) {
	t.Parallel()

	route := Route{
		ID:       "rt-1",
		DriverID: "drv-1",
		Stops: []Stop{
			{ID: "s0", Type: StopStart, Location: LatLng{Lat: 24.71, Lng: 46.67}},
			{ID: "s1", Type: StopPickup, Location: LatLng{Lat: 24.72, Lng: 46.68}},
			{ID: "s2", Type: StopDelivery, Location: LatLng{Lat: 24.73, Lng: 46.69}},
		},
		Segments: []Segment{
			{FromStopID: "s0", ToStopID: "s1", DistanceKm: 1.5},
			{FromStopID: "s1", ToStopID: "s2", DistanceKm: 1.5},
		},
		TotalDistanceKm: 3.0,
	}
	if err := route.Validate(); err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}

	bad := route
	bad.TotalDistanceKm = 2.5
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected segment-sum mismatch error")
	}

	bad = route
	bad.Stops = append([]Stop(nil), bad.Stops...)
	bad.Stops[0].Type = StopPickup
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected start-stop error")
	}
}

func TestSLACategoryOrdering(t *testing.T) {
	t.Parallel()

	if WorseSLA(SLAWarning, SLACritical) != SLACritical {
		t.Fatalf("expected critical to dominate warning")
	}
	if WorseSLA(SLABreached, SLAHealthy) != SLABreached {
		t.Fatalf("expected breached to dominate healthy")
	}
	if !SLAAtLeast(SLACritical, SLAWarning) {
		t.Fatalf("critical must rank at least warning")
	}
	if SLAAtLeast(SLAHealthy, SLAWarning) {
		t.Fatalf("healthy must not rank at least warning")
	}
}

func TestEscalationLevelBump(t *testing.T) {
	t.Parallel()

	if BumpLevel(LevelSupervisor) != LevelManager {
		t.Fatalf("L1 must bump to L2")
	}
	if BumpLevel(LevelExecutive) != LevelExecutive {
		t.Fatalf("L4 must saturate")
	}
	if LevelRank(LevelDirector) != 3 {
		t.Fatalf("unexpected level rank")
	}
}

func TestEscalationValidate(t *testing.T) {
	t.Parallel()

	esc := Escalation{
		ID:             "esc-1",
		Level:          LevelSupervisor,
		EmergencyType:  EmergencySLABreach,
		AffectedOrders: []string{"ord-1"},
		InitiatedAt:    time.Now(),
	}
	if err := esc.Validate(); err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}

	esc.AffectedOrders = nil
	if err := esc.Validate(); err == nil {
		t.Fatalf("expected affected reference error")
	}
}
