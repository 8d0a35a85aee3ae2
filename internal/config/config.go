// Package config holds every recognised core option with its default.
// Everything is injected; there is no package-level state.
package config

import (
	"fmt"
	"time"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/core/geo"
)

// SLAThresholds are the per-class minute marks driving the SLA state machine.
type SLAThresholds struct {
	WarningMin  float64
	CriticalMin float64
	BreachMin   float64
}

// GeneticParams tune the standard-class route optimizer.
type GeneticParams struct {
	Population    int
	Generations   int
	MutationRate  float64
	CrossoverRate float64
	Elitism       int
	Seed          int64
}

// Channels toggles outbound notification channels.
type Channels struct {
	SMS      bool
	WhatsApp bool
	Email    bool
	InApp    bool
	Voice    bool
}

// QuietHours defers non-critical notifications inside [Start, End) local hours.
// Start > End spans midnight.
type QuietHours struct {
	StartHour int
	EndHour   int
}

// Contains reports whether hour falls inside the quiet window.
func (q QuietHours) Contains(hour int) bool {
	if q.StartHour == q.EndHour {
		return false
	}
	if q.StartHour < q.EndHour {
		return hour >= q.StartHour && hour < q.EndHour
	}
	return hour >= q.StartHour || hour < q.EndHour
}

// AutonomousTrigger sets the post-tick autonomous directive thresholds.
type AutonomousTrigger struct {
	BreachedMin int
	CriticalMin int
	AtRiskPct   float64
}

// Config is the full set of recognised core options.
type Config struct {
	SLAExpress  SLAThresholds
	SLAStandard SLAThresholds

	Capacity map[dispatch.VehicleType]dispatch.Capacity

	RouteCacheTTL        time.Duration
	RouteCacheMaxEntries int
	Genetic              GeneticParams

	Parallelism int
	InflightMax int

	AgentDeadline    time.Duration
	ExpressDeadline  time.Duration
	StandardDeadline time.Duration

	SLATick     time.Duration
	FleetTick   time.Duration
	DemandTick  time.Duration
	TrafficTick time.Duration

	MaxRadiusExpressKm  float64
	MaxRadiusStandardKm float64

	Channels   Channels
	QuietHours QuietHours
	Autonomous AutonomousTrigger

	// Zone grid and peak multipliers default to the Riyadh launch constants.
	Zones               []geo.Zone
	PeakHourMultipliers map[int]float64
}

// Default returns the launch configuration.
func Default() Config {
	return Config{
		SLAExpress:  SLAThresholds{WarningMin: 40, CriticalMin: 50, BreachMin: 60},
		SLAStandard: SLAThresholds{WarningMin: 150, CriticalMin: 210, BreachMin: 240},
		Capacity: map[dispatch.VehicleType]dispatch.Capacity{
			dispatch.VehicleBike: {Express: 5, Standard: 8},
			dispatch.VehicleCar:  {Express: 8, Standard: 15},
			dispatch.VehicleVan:  {Express: 10, Standard: 25},
		},
		RouteCacheTTL:        5 * time.Minute,
		RouteCacheMaxEntries: 1000,
		Genetic: GeneticParams{
			Population:    50,
			Generations:   100,
			MutationRate:  0.01,
			CrossoverRate: 0.7,
			Elitism:       2,
			Seed:          1,
		},
		Parallelism:         32,
		InflightMax:         256,
		AgentDeadline:       5 * time.Second,
		ExpressDeadline:     3 * time.Second,
		StandardDeadline:    10 * time.Second,
		SLATick:             30 * time.Second,
		FleetTick:           10 * time.Second,
		DemandTick:          time.Hour,
		TrafficTick:         5 * time.Minute,
		MaxRadiusExpressKm:  5,
		MaxRadiusStandardKm: 10,
		Channels:            Channels{SMS: true, Email: true, InApp: true},
		QuietHours:          QuietHours{StartHour: 22, EndHour: 8},
		Autonomous:          AutonomousTrigger{BreachedMin: 1, CriticalMin: 3, AtRiskPct: 0.3},
		Zones: []geo.Zone{
			{Name: "central", Center: dispatch.LatLng{Lat: 24.7136, Lng: 46.6753}, RadiusKm: 7},
			{Name: "north", Center: dispatch.LatLng{Lat: 24.8244, Lng: 46.6589}, RadiusKm: 8},
			{Name: "east", Center: dispatch.LatLng{Lat: 24.7724, Lng: 46.7824}, RadiusKm: 8},
			{Name: "west", Center: dispatch.LatLng{Lat: 24.6690, Lng: 46.5703}, RadiusKm: 9},
			{Name: "south", Center: dispatch.LatLng{Lat: 24.6007, Lng: 46.7219}, RadiusKm: 9},
		},
		PeakHourMultipliers: map[int]float64{
			12: 1.4, 13: 1.5, 14: 1.3,
			18: 1.6, 19: 1.8, 20: 1.7, 21: 1.4,
		},
	}
}

// Normalize back-fills zero values with defaults so partially built configs
// stay usable.
func (c Config) Normalize() Config {
	def := Default()
	if c.SLAExpress == (SLAThresholds{}) {
		c.SLAExpress = def.SLAExpress
	}
	if c.SLAStandard == (SLAThresholds{}) {
		c.SLAStandard = def.SLAStandard
	}
	if len(c.Capacity) == 0 {
		c.Capacity = def.Capacity
	}
	if c.RouteCacheTTL <= 0 {
		c.RouteCacheTTL = def.RouteCacheTTL
	}
	if c.RouteCacheMaxEntries <= 0 {
		c.RouteCacheMaxEntries = def.RouteCacheMaxEntries
	}
	if c.Genetic.Population <= 0 {
		c.Genetic.Population = def.Genetic.Population
	}
	if c.Genetic.Generations <= 0 {
		c.Genetic.Generations = def.Genetic.Generations
	}
	if c.Genetic.MutationRate <= 0 {
		c.Genetic.MutationRate = def.Genetic.MutationRate
	}
	if c.Genetic.CrossoverRate <= 0 {
		c.Genetic.CrossoverRate = def.Genetic.CrossoverRate
	}
	if c.Genetic.Elitism <= 0 {
		c.Genetic.Elitism = def.Genetic.Elitism
	}
	if c.Genetic.Seed == 0 {
		c.Genetic.Seed = def.Genetic.Seed
	}
	if c.Parallelism <= 0 {
		c.Parallelism = def.Parallelism
	}
	if c.InflightMax <= 0 {
		c.InflightMax = def.InflightMax
	}
	if c.AgentDeadline <= 0 {
		c.AgentDeadline = def.AgentDeadline
	}
	if c.ExpressDeadline <= 0 {
		c.ExpressDeadline = def.ExpressDeadline
	}
	if c.StandardDeadline <= 0 {
		c.StandardDeadline = def.StandardDeadline
	}
	if c.SLATick <= 0 {
		c.SLATick = def.SLATick
	}
	if c.FleetTick <= 0 {
		c.FleetTick = def.FleetTick
	}
	if c.DemandTick <= 0 {
		c.DemandTick = def.DemandTick
	}
	if c.TrafficTick <= 0 {
		c.TrafficTick = def.TrafficTick
	}
	if c.MaxRadiusExpressKm <= 0 {
		c.MaxRadiusExpressKm = def.MaxRadiusExpressKm
	}
	if c.MaxRadiusStandardKm <= 0 {
		c.MaxRadiusStandardKm = def.MaxRadiusStandardKm
	}
	if c.Autonomous == (AutonomousTrigger{}) {
		c.Autonomous = def.Autonomous
	}
	if len(c.Zones) == 0 {
		c.Zones = def.Zones
	}
	if len(c.PeakHourMultipliers) == 0 {
		c.PeakHourMultipliers = def.PeakHourMultipliers
	}
	return c
}

// Thresholds returns the SLA thresholds for a service class.
func (c Config) Thresholds(class dispatch.ServiceClass) SLAThresholds {
	if class == dispatch.ServiceExpress {
		return c.SLAExpress
	}
	return c.SLAStandard
}

// CapacityFor returns the concurrent-order cap for a vehicle type.
func (c Config) CapacityFor(vehicle dispatch.VehicleType) (dispatch.Capacity, error) {
	cap, ok := c.Capacity[vehicle]
	if !ok {
		return dispatch.Capacity{}, fmt.Errorf("no capacity configured for vehicle type %q", vehicle)
	}
	return cap, nil
}

// EventDeadline returns the end-to-end budget for one event by class.
func (c Config) EventDeadline(class dispatch.ServiceClass) time.Duration {
	if class == dispatch.ServiceExpress {
		return c.ExpressDeadline
	}
	return c.StandardDeadline
}
