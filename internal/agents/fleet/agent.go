// Package fleet computes read-only snapshots of driver capacity and
// availability for the assignment and SLA paths.
package fleet

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/geo"
	"github.com/tiger/instant-dispatch/internal/core/ports"
)

const (
	offlineAfter         = 5 * time.Minute
	forcedBreakAfterMin  = 330
	expressShiftLimitMin = 360
	expressLoadLimit     = 3
	expressSuccessFloor  = 0.9
)

// DriverState is the derived per-driver view inside a snapshot.
type DriverState struct {
	Driver            dispatch.Driver
	Bucket            dispatch.DriverStatus
	Capacity          dispatch.Capacity
	RemainingExpress  int
	RemainingStandard int
	Fatigue           float64
	Score             float64
	ExpressCapable    bool
	Zone              string
}

// Snapshot is the fleet view the orchestrator hands to downstream agents.
type Snapshot struct {
	TakenAt          time.Time
	Drivers          []DriverState
	ByBucket         map[dispatch.DriverStatus]int
	TotalExpressCap  int
	TotalStandardCap int
	UsedExpressCap   int
	UsedStandardCap  int
	ZoneDistribution map[string]int
	AvailableIn15Min int
	AvailableIn30Min int
}

// Available lists driver states currently able to take new work: available
// outright, or busy with remaining capacity.
func (s Snapshot) Available(class dispatch.ServiceClass) []DriverState {
	return lo.Filter(s.Drivers, func(d DriverState, _ int) bool {
		switch d.Bucket {
		case dispatch.DriverAvailable:
			return true
		case dispatch.DriverBusy:
			if class == dispatch.ServiceExpress {
				return d.RemainingExpress > 0
			}
			return d.RemainingStandard > 0
		}
		return false
	})
}

// Agent produces fleet snapshots. Pure-read on the driver repository.
type Agent struct {
	drivers ports.DriverRepository
	clock   ports.Clock
	cfg     config.Config
	grid    geo.Grid
	log     *zap.Logger
}

func New(drivers ports.DriverRepository, clock ports.Clock, cfg config.Config, log *zap.Logger) *Agent {
	cfg = cfg.Normalize()
	return &Agent{
		drivers: drivers,
		clock:   clock,
		cfg:     cfg,
		grid:    geo.NewGrid(cfg.Zones),
		log:     log,
	}
}

// Snapshot derives the current fleet state.
func (a *Agent) Snapshot(ctx context.Context) (Snapshot, error) {
	all, err := a.drivers.List(ctx)
	if err != nil {
		return Snapshot{}, ports.E(ports.KindTransient, "fleet.snapshot", err)
	}
	now := a.clock.Now()

	snap := Snapshot{
		TakenAt:          now,
		Drivers:          make([]DriverState, 0, len(all)),
		ByBucket:         make(map[dispatch.DriverStatus]int),
		ZoneDistribution: make(map[string]int),
	}

	for _, driver := range all {
		state, err := a.deriveState(driver, now)
		if err != nil {
			a.log.Warn("skipping driver with invalid record",
				zap.String("driver_id", driver.ID), zap.Error(err))
			continue
		}
		snap.Drivers = append(snap.Drivers, state)
		snap.ByBucket[state.Bucket]++
		if state.Zone != "" {
			snap.ZoneDistribution[state.Zone]++
		}
		if state.Bucket == dispatch.DriverOffline {
			continue
		}
		snap.TotalExpressCap += state.Capacity.Express
		snap.TotalStandardCap += state.Capacity.Standard
		snap.UsedExpressCap += driver.ActiveExpressCount
		snap.UsedStandardCap += driver.ActiveStandardCount

		if state.Bucket == dispatch.DriverBusy && !driver.EstimatedCompletionAt.IsZero() {
			if !driver.EstimatedCompletionAt.After(now.Add(15 * time.Minute)) {
				snap.AvailableIn15Min++
			}
			if !driver.EstimatedCompletionAt.After(now.Add(30 * time.Minute)) {
				snap.AvailableIn30Min++
			}
		}
	}
	snap.AvailableIn15Min += snap.ByBucket[dispatch.DriverAvailable]
	snap.AvailableIn30Min += snap.ByBucket[dispatch.DriverAvailable]
	return snap, nil
}

func (a *Agent) deriveState(driver dispatch.Driver, now time.Time) (DriverState, error) {
	capacity, err := a.cfg.CapacityFor(driver.VehicleType)
	if err != nil {
		return DriverState{}, err
	}

	state := DriverState{
		Driver:   driver,
		Capacity: capacity,
		Bucket:   bucket(driver, capacity, now),
	}
	state.RemainingExpress = max(0, capacity.Express-driver.ActiveExpressCount)
	state.RemainingStandard = max(0, capacity.Standard-driver.ActiveStandardCount)
	state.Fatigue = fatigue(driver, now)
	state.Score = score(driver, state, capacity)
	state.ExpressCapable = driver.ExpressSuccessRate >= expressSuccessFloor &&
		driver.ContinuousMinutes < expressShiftLimitMin &&
		driver.ActiveExpressCount < expressLoadLimit
	if zone, ok := a.grid.Resolve(driver.Location.LatLng); ok {
		state.Zone = zone
	}
	return state, nil
}

func bucket(driver dispatch.Driver, capacity dispatch.Capacity, now time.Time) dispatch.DriverStatus {
	if driver.Location.ReportedAt.IsZero() || now.Sub(driver.Location.ReportedAt) > offlineAfter ||
		driver.Status == dispatch.DriverOffline {
		return dispatch.DriverOffline
	}
	active := len(driver.ActiveOrderIDs)
	if driver.Status == dispatch.DriverBreak ||
		(driver.ContinuousMinutes > forcedBreakAfterMin && active == 0) {
		return dispatch.DriverBreak
	}
	if active >= capacity.Max() {
		return dispatch.DriverFull
	}
	if active == 0 {
		return dispatch.DriverAvailable
	}
	return dispatch.DriverBusy
}

func fatigue(driver dispatch.Driver, now time.Time) float64 {
	hoursWorked := float64(driver.ContinuousMinutes) / 60
	minSinceBreak := 240.0
	if !driver.LastBreakAt.IsZero() {
		minSinceBreak = now.Sub(driver.LastBreakAt).Minutes()
	}
	f := 0.4*(hoursWorked/8) + 0.3*(float64(driver.OrdersToday)/50) + 0.3*(minSinceBreak/240)
	return clamp01(f)
}

func score(driver dispatch.Driver, state DriverState, capacity dispatch.Capacity) float64 {
	availability := 0.0
	if total := capacity.Total(); total > 0 {
		availability = clamp01(float64(total-len(driver.ActiveOrderIDs)) / float64(total))
	}
	s := 0.3*availability +
		0.2*(1-state.Fatigue) +
		0.25*clamp01(driver.Rating/5) +
		0.15*clamp01(float64(driver.BatteryPct)/100) +
		0.1*min(1, float64(driver.OrdersToday)/20)
	return clamp01(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
