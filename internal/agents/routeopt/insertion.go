package routeopt

import (
	"github.com/tiger/instant-dispatch/api/dispatch"
)

// insertOrders appends each extra order into the base sequence at the
// position with the smallest marginal distance. Pickup/delivery stay
// consecutive, so insertion positions are between order blocks.
func insertOrders(start dispatch.LatLng, base []dispatch.Order, extras []dispatch.Order) []dispatch.Order {
	sequence := append([]dispatch.Order(nil), base...)
	for _, extra := range extras {
		bestPos := len(sequence)
		bestCost := insertionCost(start, sequence, extra, len(sequence))
		for pos := 0; pos < len(sequence); pos++ {
			if cost := insertionCost(start, sequence, extra, pos); cost < bestCost {
				bestPos, bestCost = pos, cost
			}
		}
		sequence = append(sequence[:bestPos], append([]dispatch.Order{extra}, sequence[bestPos:]...)...)
	}
	return sequence
}

func insertionCost(start dispatch.LatLng, sequence []dispatch.Order, extra dispatch.Order, pos int) float64 {
	trial := make([]dispatch.Order, 0, len(sequence)+1)
	trial = append(trial, sequence[:pos]...)
	trial = append(trial, extra)
	trial = append(trial, sequence[pos:]...)
	return sequenceDistanceKm(start, trial) - sequenceDistanceKm(start, sequence)
}
