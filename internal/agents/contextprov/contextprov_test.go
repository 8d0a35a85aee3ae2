package contextprov

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/config"
)

func TestDemandSnapshotDeterministicForSeed(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	a := NewDemand(cfg, 7, zap.NewNop()).Snapshot(at)
	b := NewDemand(cfg, 7, zap.NewNop()).Snapshot(at)

	if len(a.ZoneOrders) != len(cfg.Zones) {
		t.Fatalf("expected %d zones, got %d", len(cfg.Zones), len(a.ZoneOrders))
	}
	for zone, n := range a.ZoneOrders {
		if b.ZoneOrders[zone] != n {
			t.Fatalf("zone %s differs across identical seeds: %d vs %d", zone, n, b.ZoneOrders[zone])
		}
	}
	if a.Level != b.Level {
		t.Fatalf("level differs: %s vs %s", a.Level, b.Level)
	}
}

func TestDemandPeakHourMultiplierApplies(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := NewDemand(cfg, 7, zap.NewNop())

	quiet := d.Snapshot(time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC))
	peak := d.Snapshot(time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC))

	if quiet.Multiplier != 1.0 {
		t.Fatalf("quiet multiplier %v", quiet.Multiplier)
	}
	if peak.Multiplier != cfg.PeakHourMultipliers[19] {
		t.Fatalf("peak multiplier %v, want %v", peak.Multiplier, cfg.PeakHourMultipliers[19])
	}
	for zone := range quiet.ZoneOrders {
		if peak.ZoneOrders[zone] < quiet.ZoneOrders[zone] {
			t.Fatalf("zone %s shrank at peak: %d < %d", zone, peak.ZoneOrders[zone], quiet.ZoneOrders[zone])
		}
	}
}

func TestTrafficFactorsStableWithinRefreshWindow(t *testing.T) {
	t.Parallel()
	tr := NewTraffic(config.Default(), 11, zap.NewNop())
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	first := tr.Conditions(t0)
	second := tr.Conditions(t0.Add(2 * time.Minute))
	for zone, f := range first.Factors {
		if second.Factors[zone] != f {
			t.Fatalf("factor for %s changed inside refresh window", zone)
		}
	}

	third := tr.Conditions(t0.Add(6 * time.Minute))
	if !third.TakenAt.After(first.TakenAt) {
		t.Fatal("expected refresh after cadence elapsed")
	}
	for zone, f := range third.Factors {
		if f < 1.0 {
			t.Fatalf("factor for %s below 1: %v", zone, f)
		}
	}
}

func TestTrafficFactorAtOutsideZonesDefaults(t *testing.T) {
	t.Parallel()
	tr := NewTraffic(config.Default(), 11, zap.NewNop())
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	// Jeddah, far outside every Riyadh zone.
	factor := tr.FactorAt(now, dispatch.LatLng{Lat: 21.4858, Lng: 39.1925})
	if factor != defaultFactor {
		t.Fatalf("expected default factor %v, got %v", defaultFactor, factor)
	}
}

func TestConditionBands(t *testing.T) {
	t.Parallel()
	cases := []struct {
		factor float64
		want   string
	}{
		{1.0, "light"},
		{1.14, "light"},
		{1.2, "moderate"},
		{1.39, "moderate"},
		{1.4, "heavy"},
		{1.9, "heavy"},
	}
	for _, tc := range cases {
		if got := Condition(tc.factor); got != tc.want {
			t.Fatalf("Condition(%v) = %s, want %s", tc.factor, got, tc.want)
		}
	}
}

func TestGeoLocateAndCoverage(t *testing.T) {
	t.Parallel()
	g := NewGeo(config.Default())

	central := g.Locate(dispatch.LatLng{Lat: 24.7136, Lng: 46.6753})
	if !central.Covered || central.Zone != "central" {
		t.Fatalf("central resolution %+v", central)
	}
	outside := g.Locate(dispatch.LatLng{Lat: 21.4858, Lng: 39.1925})
	if outside.Covered {
		t.Fatalf("expected uncovered, got %+v", outside)
	}

	coverage := g.Coverage([]dispatch.LatLng{
		{Lat: 24.7136, Lng: 46.6753},
		{Lat: 21.4858, Lng: 39.1925},
	})
	if coverage != 0.5 {
		t.Fatalf("coverage %v, want 0.5", coverage)
	}
	if g.Coverage(nil) != 0 {
		t.Fatal("empty input coverage must be 0")
	}
}

func TestBatchGroupsNearbyStandardOrders(t *testing.T) {
	t.Parallel()
	b := NewBatch()
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	near := dispatch.LatLng{Lat: 24.7136, Lng: 46.6753}
	alsoNear := dispatch.LatLng{Lat: 24.7150, Lng: 46.6760}
	farAway := dispatch.LatLng{Lat: 24.8244, Lng: 46.6589}

	orders := []dispatch.Order{
		{ID: "o-express", ServiceClass: dispatch.ServiceExpress, Status: dispatch.OrderPending, CreatedAt: t0, Pickup: near, Priority: 5},
		{ID: "o-1", ServiceClass: dispatch.ServiceStandard, Status: dispatch.OrderPending, CreatedAt: t0, Pickup: near, Priority: 5},
		{ID: "o-2", ServiceClass: dispatch.ServiceStandard, Status: dispatch.OrderPending, CreatedAt: t0.Add(time.Minute), Pickup: alsoNear, Priority: 5},
		{ID: "o-3", ServiceClass: dispatch.ServiceStandard, Status: dispatch.OrderPending, CreatedAt: t0.Add(2 * time.Minute), Pickup: farAway, Priority: 5},
		{ID: "o-done", ServiceClass: dispatch.ServiceStandard, Status: dispatch.OrderDelivered, CreatedAt: t0, Pickup: near, Priority: 5},
	}

	groups := b.Group(orders)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][0].ID != "o-1" || groups[0][1].ID != "o-2" {
		t.Fatalf("first group %v", ids(groups[0]))
	}
	if len(groups[1]) != 1 || groups[1][0].ID != "o-3" {
		t.Fatalf("second group %v", ids(groups[1]))
	}
}

func TestBatchRespectsSizeCap(t *testing.T) {
	t.Parallel()
	b := NewBatch()
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	pickup := dispatch.LatLng{Lat: 24.7136, Lng: 46.6753}

	var orders []dispatch.Order
	for i := 0; i < batchMaxOrders+2; i++ {
		orders = append(orders, dispatch.Order{
			ID:           string(rune('a' + i)),
			ServiceClass: dispatch.ServiceStandard,
			Status:       dispatch.OrderPending,
			CreatedAt:    t0.Add(time.Duration(i) * time.Minute),
			Pickup:       pickup,
			Priority:     5,
		})
	}

	groups := b.Group(orders)
	if len(groups) != 2 {
		t.Fatalf("expected overflow into second group, got %d groups", len(groups))
	}
	if len(groups[0]) != batchMaxOrders {
		t.Fatalf("first group size %d, want %d", len(groups[0]), batchMaxOrders)
	}
	if len(groups[1]) != 2 {
		t.Fatalf("second group size %d, want 2", len(groups[1]))
	}
}

func ids(orders []dispatch.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}
