// Package routeopt builds driver routes: nearest-neighbour for express,
// genetic for standard, insertion for mixed loads. The engine is total — any
// internal failure degrades to a Haversine fallback route, never an error.
package routeopt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/agents/contextprov"
	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/geo"
	"github.com/tiger/instant-dispatch/internal/core/ports"
)

const (
	fallbackMinutesPerKm = 3.0
	defaultFactor        = 1.2
	pickupServiceMin     = 5.0
	deliveryServiceMin   = 3.0
)

// TrafficSource reports the congestion multiplier at a coordinate.
type TrafficSource interface {
	FactorAt(now time.Time, p dispatch.LatLng) float64
}

// Engine optimizes routes for one driver and a set of orders.
type Engine struct {
	router  ports.Router
	oracle  ports.RouteOracle
	traffic TrafficSource
	clock   ports.Clock
	cfg     config.Config
	log     *zap.Logger
	cache   *routeCache
}

// New builds an engine. router, oracle, and traffic may be nil; the engine
// then runs on Haversine estimates with a flat moderate multiplier.
func New(router ports.Router, oracle ports.RouteOracle, traffic TrafficSource, clock ports.Clock, cfg config.Config, log *zap.Logger) *Engine {
	cfg = cfg.Normalize()
	return &Engine{
		router:  router,
		oracle:  oracle,
		traffic: traffic,
		clock:   clock,
		cfg:     cfg,
		log:     log,
		cache:   newRouteCache(cfg.RouteCacheTTL, cfg.RouteCacheMaxEntries),
	}
}

// segmentTraffic returns the multiplier and condition band for a segment
// starting at from.
func (e *Engine) segmentTraffic(now time.Time, from dispatch.LatLng) (float64, string) {
	factor := defaultFactor
	if e.traffic != nil {
		factor = e.traffic.FactorAt(now, from)
	}
	return factor, contextprov.Condition(factor)
}

// Optimize plans a route for the driver across the given orders. The result
// always carries a quality grade; the only error is an empty order set.
func (e *Engine) Optimize(ctx context.Context, driver dispatch.Driver, orders []dispatch.Order) (dispatch.Route, error) {
	if len(orders) == 0 {
		return dispatch.Route{}, ports.Ef(ports.KindInvalid, "routeopt.optimize", "at least one order is required")
	}
	start := driver.Location.LatLng
	now := e.clock.Now()

	stopIDs := make([]string, 0, len(orders))
	for _, order := range orders {
		stopIDs = append(stopIDs, order.ID)
	}
	sort.Strings(stopIDs)

	key, keyErr := keyFor(start, stopIDs)
	if keyErr == nil {
		if cached, ok := e.cache.get(key, now); ok {
			cached.Quality = dispatch.QualityCached
			cached.DriverID = driver.ID
			return cached, nil
		}
	}

	sequence := e.planSequence(ctx, start, orders)
	route, ok := e.buildRoute(ctx, driver, start, sequence, now)
	if !ok {
		return e.fallbackRoute(driver, start, orders, now), nil
	}
	route.Quality = gradeRoute(route)

	if keyErr == nil {
		e.cache.put(key, route, now)
	}
	return route, nil
}

func (e *Engine) planSequence(ctx context.Context, start dispatch.LatLng, orders []dispatch.Order) []dispatch.Order {
	var express, standard []dispatch.Order
	for _, order := range orders {
		if order.ServiceClass == dispatch.ServiceExpress {
			express = append(express, order)
		} else {
			standard = append(standard, order)
		}
	}

	switch {
	case len(standard) == 0:
		sequence := nearestNeighbour(start, express)
		return e.consultOracle(ctx, start, sequence)
	case len(express) == 0:
		return geneticOrder(ctx, start, standard, e.cfg.Genetic)
	default:
		// Express first, then standard stops wherever they cost least.
		base := e.consultOracle(ctx, start, nearestNeighbour(start, express))
		return insertOrders(start, base, standard)
	}
}

// consultOracle asks the optional route oracle to re-rank the baseline and
// adopts its ordering only when strictly shorter. Oracle failure is absence.
func (e *Engine) consultOracle(ctx context.Context, start dispatch.LatLng, baseline []dispatch.Order) []dispatch.Order {
	if e.oracle == nil || len(baseline) < 2 {
		return baseline
	}
	stops := make([]dispatch.LatLng, len(baseline))
	for i, order := range baseline {
		stops[i] = order.Pickup
	}
	ranking, err := e.oracle.Rank(ctx, start, stops)
	if err != nil {
		e.log.Debug("route oracle unavailable", zap.Error(err))
		return baseline
	}
	if !validPermutation(ranking, len(baseline)) {
		e.log.Warn("route oracle returned invalid ranking", zap.Ints("ranking", ranking))
		return baseline
	}
	reordered := make([]dispatch.Order, len(baseline))
	for i, idx := range ranking {
		reordered[i] = baseline[idx]
	}
	if sequenceDistanceKm(start, reordered) < sequenceDistanceKm(start, baseline) {
		return reordered
	}
	return baseline
}

func validPermutation(ranking []int, n int) bool {
	if len(ranking) != n {
		return false
	}
	seen := make([]bool, n)
	for _, idx := range ranking {
		if idx < 0 || idx >= n || seen[idx] {
			return false
		}
		seen[idx] = true
	}
	return true
}

// buildRoute resolves segments through the router. It reports ok=false when
// every router call failed, signalling the caller to emit a fallback route.
func (e *Engine) buildRoute(ctx context.Context, driver dispatch.Driver, start dispatch.LatLng, sequence []dispatch.Order, now time.Time) (dispatch.Route, bool) {
	stops := buildStops(start, sequence)

	route := dispatch.Route{
		ID:       uuid.NewString(),
		DriverID: driver.ID,
		Stops:    stops,
	}

	routerCalls := 0
	routerFailures := 0
	arrival := now
	for i := 1; i < len(stops); i++ {
		from, to := stops[i-1], stops[i]
		var leg ports.RouteLeg
		resolved := false
		if e.router != nil {
			routerCalls++
			routed, err := e.router.Route(ctx, from.Location, to.Location)
			if err != nil {
				routerFailures++
			} else {
				leg = routed
				resolved = true
			}
		}

		segment := dispatch.Segment{FromStopID: from.ID, ToStopID: to.ID}
		if resolved {
			segment.DistanceKm = leg.DistanceKm
			segment.DurationMin = leg.DurationMin
		} else {
			factor, condition := e.segmentTraffic(now, from.Location)
			segment.DistanceKm = geo.HaversineKm(from.Location, to.Location)
			segment.DurationMin = segment.DistanceKm * fallbackMinutesPerKm * factor
			segment.TrafficCondition = condition
		}
		route.Segments = append(route.Segments, segment)
		route.TotalDistanceKm += segment.DistanceKm
		route.TotalDurationMin += segment.DurationMin + to.ServiceTimeMin

		arrival = arrival.Add(time.Duration(segment.DurationMin * float64(time.Minute)))
		route.Stops[i].EstimatedArrival = arrival
		arrival = arrival.Add(time.Duration(to.ServiceTimeMin * float64(time.Minute)))
	}
	route.Stops[0].EstimatedArrival = now

	if routerCalls > 0 && routerFailures == routerCalls {
		return dispatch.Route{}, false
	}
	return route, true
}

// fallbackRoute keeps orders in input sequence with pure Haversine totals.
func (e *Engine) fallbackRoute(driver dispatch.Driver, start dispatch.LatLng, orders []dispatch.Order, now time.Time) dispatch.Route {
	stops := buildStops(start, orders)
	route := dispatch.Route{
		ID:       uuid.NewString(),
		DriverID: driver.ID,
		Stops:    stops,
		Quality:  dispatch.QualityFallback,
	}
	arrival := now
	route.Stops[0].EstimatedArrival = now
	for i := 1; i < len(stops); i++ {
		distance := geo.HaversineKm(stops[i-1].Location, stops[i].Location)
		duration := distance * fallbackMinutesPerKm
		route.Segments = append(route.Segments, dispatch.Segment{
			FromStopID:  stops[i-1].ID,
			ToStopID:    stops[i].ID,
			DistanceKm:  distance,
			DurationMin: duration,
		})
		route.TotalDistanceKm += distance
		route.TotalDurationMin += duration
		arrival = arrival.Add(time.Duration(duration * float64(time.Minute)))
		route.Stops[i].EstimatedArrival = arrival
	}
	return route
}

func buildStops(start dispatch.LatLng, sequence []dispatch.Order) []dispatch.Stop {
	stops := make([]dispatch.Stop, 0, len(sequence)*2+1)
	stops = append(stops, dispatch.Stop{
		ID:       "stop-start",
		Type:     dispatch.StopStart,
		Location: start,
	})
	for _, order := range sequence {
		stops = append(stops, dispatch.Stop{
			ID:             fmt.Sprintf("stop-%s-pickup", order.ID),
			Type:           dispatch.StopPickup,
			OrderID:        order.ID,
			Location:       order.Pickup,
			ServiceTimeMin: pickupServiceMin,
			Priority:       effectivePriority(order),
		})
		stops = append(stops, dispatch.Stop{
			ID:             fmt.Sprintf("stop-%s-delivery", order.ID),
			Type:           dispatch.StopDelivery,
			OrderID:        order.ID,
			Location:       order.Delivery,
			ServiceTimeMin: deliveryServiceMin,
			Priority:       effectivePriority(order),
		})
	}
	return stops
}

func gradeRoute(route dispatch.Route) dispatch.RouteQuality {
	score := 1.0
	if len(route.Stops) > 10 {
		score *= 0.9
	}
	if route.TotalDurationMin > 120 {
		score *= 0.8
	}
	if route.TotalDistanceKm > 50 {
		score *= 0.85
	}
	switch {
	case score >= 0.9:
		return dispatch.QualityExcellent
	case score >= 0.7:
		return dispatch.QualityGood
	case score >= 0.5:
		return dispatch.QualityAcceptable
	default:
		return dispatch.QualityPoor
	}
}

// CacheLen reports the number of live cache entries. Test hook.
func (e *Engine) CacheLen() int {
	return e.cache.len()
}
