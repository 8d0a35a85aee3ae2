// Package contextprov holds the prediction providers consumed by the routing
// and assignment paths: demand forecasts, traffic conditions, zone coverage
// and standard-order batching. Providers are deterministic for a given seed.
package contextprov

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/geo"
)

// DemandLevel buckets the overall demand pressure.
type DemandLevel string

const (
	DemandLow    DemandLevel = "low"
	DemandNormal DemandLevel = "normal"
	DemandHigh   DemandLevel = "high"
	DemandSurge  DemandLevel = "surge"
)

// DemandSnapshot is the structured demand view for one instant.
type DemandSnapshot struct {
	TakenAt    time.Time
	Hour       int
	Multiplier float64
	ZoneOrders map[string]int
	Level      DemandLevel
}

// Demand forecasts per-zone order pressure from the hourly pattern.
type Demand struct {
	cfg  config.Config
	grid geo.Grid
	log  *zap.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	base map[string]int
}

// NewDemand builds a demand provider. The seed fixes the zone baseline so
// repeated snapshots at the same hour agree.
func NewDemand(cfg config.Config, seed int64, log *zap.Logger) *Demand {
	cfg = cfg.Normalize()
	d := &Demand{
		cfg:  cfg,
		grid: geo.NewGrid(cfg.Zones),
		log:  log,
		rng:  rand.New(rand.NewSource(seed)),
		base: make(map[string]int),
	}
	for _, name := range d.grid.Names() {
		d.base[name] = 10 + d.rng.Intn(30)
	}
	return d
}

// Snapshot derives the demand view for the given instant.
func (d *Demand) Snapshot(now time.Time) DemandSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	hour := now.Hour()
	multiplier := 1.0
	if m, ok := d.cfg.PeakHourMultipliers[hour]; ok {
		multiplier = m
	}

	snap := DemandSnapshot{
		TakenAt:    now,
		Hour:       hour,
		Multiplier: multiplier,
		ZoneOrders: make(map[string]int, len(d.base)),
	}
	total := 0
	for zone, base := range d.base {
		n := int(float64(base) * multiplier)
		snap.ZoneOrders[zone] = n
		total += n
	}
	snap.Level = levelFor(total, len(d.base))
	return snap
}

func levelFor(total, zones int) DemandLevel {
	if zones == 0 {
		return DemandNormal
	}
	perZone := float64(total) / float64(zones)
	switch {
	case perZone < 15:
		return DemandLow
	case perZone < 30:
		return DemandNormal
	case perZone < 45:
		return DemandHigh
	default:
		return DemandSurge
	}
}
