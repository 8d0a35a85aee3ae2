package routeopt

import (
	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/core/geo"
)

const (
	nnMaxDetourKm       = 2.0
	nnTimeConstraintMin = 60.0
)

// nearestNeighbour orders the given orders greedily: from the current
// position, take the order with the nearest pickup. Within the detour window
// a higher-priority order wins over a marginally closer one, until the
// accumulated time estimate exhausts the express window.
func nearestNeighbour(start dispatch.LatLng, orders []dispatch.Order) []dispatch.Order {
	remaining := append([]dispatch.Order(nil), orders...)
	sequence := make([]dispatch.Order, 0, len(remaining))

	current := start
	elapsedMin := 0.0
	for len(remaining) > 0 {
		nearestIdx := 0
		nearestDist := geo.HaversineKm(current, remaining[0].Pickup)
		for i := 1; i < len(remaining); i++ {
			d := geo.HaversineKm(current, remaining[i].Pickup)
			if d < nearestDist {
				nearestIdx, nearestDist = i, d
			}
		}

		// Priority preference applies only while the route still fits the
		// express window; once over, fall back to pure nearest.
		chosen := nearestIdx
		if elapsedMin < nnTimeConstraintMin {
			for i := range remaining {
				if i == nearestIdx {
					continue
				}
				d := geo.HaversineKm(current, remaining[i].Pickup)
				if d-nearestDist <= nnMaxDetourKm && effectivePriority(remaining[i]) > effectivePriority(remaining[chosen]) {
					chosen = i
				}
			}
		}

		order := remaining[chosen]
		sequence = append(sequence, order)
		remaining = append(remaining[:chosen], remaining[chosen+1:]...)

		legKm := geo.HaversineKm(current, order.Pickup) + geo.HaversineKm(order.Pickup, order.Delivery)
		elapsedMin += legKm*fallbackMinutesPerKm + pickupServiceMin + deliveryServiceMin
		current = order.Delivery
	}
	return sequence
}

func effectivePriority(order dispatch.Order) int {
	return order.Priority + order.PriorityBoost
}

// sequenceDistanceKm is the total travel distance of visiting each order's
// pickup then delivery in sequence, starting from start.
func sequenceDistanceKm(start dispatch.LatLng, orders []dispatch.Order) float64 {
	total := 0.0
	current := start
	for _, order := range orders {
		total += geo.HaversineKm(current, order.Pickup)
		total += geo.HaversineKm(order.Pickup, order.Delivery)
		current = order.Delivery
	}
	return total
}
