package contextprov

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/geo"
)

const (
	trafficRefreshEvery = 5 * time.Minute
	defaultFactor       = 1.2
)

// TrafficSnapshot carries duration multipliers per zone. Factors are ≥ 1.
type TrafficSnapshot struct {
	TakenAt time.Time
	Factors map[string]float64
}

// Condition names the band a factor falls in.
func Condition(factor float64) string {
	switch {
	case factor < 1.15:
		return "light"
	case factor < 1.4:
		return "moderate"
	default:
		return "heavy"
	}
}

// Traffic estimates congestion per zone, refreshed at a fixed cadence.
type Traffic struct {
	cfg  config.Config
	grid geo.Grid
	log  *zap.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	current   TrafficSnapshot
	refreshed time.Time
}

func NewTraffic(cfg config.Config, seed int64, log *zap.Logger) *Traffic {
	cfg = cfg.Normalize()
	return &Traffic{
		cfg:  cfg,
		grid: geo.NewGrid(cfg.Zones),
		log:  log,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Conditions returns the zone factors, recomputing when the last snapshot is
// older than the refresh cadence.
func (t *Traffic) Conditions(now time.Time) TrafficSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refreshed.IsZero() || now.Sub(t.refreshed) >= trafficRefreshEvery {
		t.current = t.compute(now)
		t.refreshed = now
	}
	return t.current
}

// FactorAt returns the multiplier for a coordinate, defaulting to moderate
// when the point is outside every zone.
func (t *Traffic) FactorAt(now time.Time, p dispatch.LatLng) float64 {
	snap := t.Conditions(now)
	if zone, ok := t.grid.Resolve(p); ok {
		if factor, known := snap.Factors[zone]; known {
			return factor
		}
	}
	return defaultFactor
}

func (t *Traffic) compute(now time.Time) TrafficSnapshot {
	peak := 1.0
	if m, ok := t.cfg.PeakHourMultipliers[now.Hour()]; ok {
		peak = m
	}
	snap := TrafficSnapshot{
		TakenAt: now,
		Factors: make(map[string]float64),
	}
	for _, zone := range t.grid.Names() {
		jitter := t.rng.Float64() * 0.3
		factor := 1.0 + jitter
		if peak > 1 {
			factor += (peak - 1) * 0.5
		}
		snap.Factors[zone] = factor
	}
	return snap
}
