package contextprov

import (
	"sort"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/core/geo"
)

const (
	batchMaxOrders   = 5
	batchGroupRadius = 2.0 // km between pickups in one batch
)

// Batch groups standard orders whose pickups sit close together so one driver
// can serve them in a single route. Express orders are never batched.
type Batch struct{}

func NewBatch() *Batch {
	return &Batch{}
}

// Group partitions the standard orders into consolidation candidates. Orders
// are processed oldest first; each seeds a batch and absorbs later orders
// whose pickup lies within the group radius, up to the batch cap.
func (b *Batch) Group(orders []dispatch.Order) [][]dispatch.Order {
	var standard []dispatch.Order
	for _, order := range orders {
		if order.ServiceClass == dispatch.ServiceStandard && !order.Terminal() {
			standard = append(standard, order)
		}
	}
	sort.Slice(standard, func(i, j int) bool {
		if !standard[i].CreatedAt.Equal(standard[j].CreatedAt) {
			return standard[i].CreatedAt.Before(standard[j].CreatedAt)
		}
		return standard[i].ID < standard[j].ID
	})

	used := make([]bool, len(standard))
	var groups [][]dispatch.Order
	for i, seed := range standard {
		if used[i] {
			continue
		}
		used[i] = true
		group := []dispatch.Order{seed}
		for j := i + 1; j < len(standard) && len(group) < batchMaxOrders; j++ {
			if used[j] {
				continue
			}
			if geo.HaversineKm(seed.Pickup, standard[j].Pickup) <= batchGroupRadius {
				used[j] = true
				group = append(group, standard[j])
			}
		}
		groups = append(groups, group)
	}
	return groups
}
