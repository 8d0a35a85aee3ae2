package routeopt

import (
	"context"
	"math/rand"
	"sort"

	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/config"
)

// geneticOrder evolves a visiting permutation for standard-class orders.
// The chromosome is an index permutation; fitness is 1/(1+distance).
// Cancellation is checked every generation.
func geneticOrder(ctx context.Context, start dispatch.LatLng, orders []dispatch.Order, params config.GeneticParams) []dispatch.Order {
	n := len(orders)
	if n < 2 {
		return append([]dispatch.Order(nil), orders...)
	}

	rng := rand.New(rand.NewSource(params.Seed))

	population := make([][]int, params.Population)
	for i := range population {
		population[i] = rng.Perm(n)
	}

	distanceOf := func(perm []int) float64 {
		seq := make([]dispatch.Order, n)
		for i, idx := range perm {
			seq[i] = orders[idx]
		}
		return sequenceDistanceKm(start, seq)
	}
	fitness := func(perm []int) float64 {
		return 1 / (1 + distanceOf(perm))
	}

	for gen := 0; gen < params.Generations; gen++ {
		if ctx.Err() != nil {
			break
		}

		sort.Slice(population, func(i, j int) bool {
			return fitness(population[i]) > fitness(population[j])
		})

		next := make([][]int, 0, params.Population)
		for i := 0; i < params.Elitism && i < len(population); i++ {
			next = append(next, append([]int(nil), population[i]...))
		}

		for len(next) < params.Population {
			a := tournament(rng, population, fitness)
			b := tournament(rng, population, fitness)
			child := a
			if rng.Float64() < params.CrossoverRate {
				child = orderCrossover(rng, a, b)
			} else {
				child = append([]int(nil), child...)
			}
			if rng.Float64() < params.MutationRate {
				swapMutate(rng, child)
			}
			next = append(next, child)
		}
		population = next
	}

	best := population[0]
	bestFit := fitness(best)
	for _, perm := range population[1:] {
		if f := fitness(perm); f > bestFit {
			best, bestFit = perm, f
		}
	}

	out := make([]dispatch.Order, n)
	for i, idx := range best {
		out[i] = orders[idx]
	}
	return out
}

func tournament(rng *rand.Rand, population [][]int, fitness func([]int) float64) []int {
	best := population[rng.Intn(len(population))]
	bestFit := fitness(best)
	for i := 0; i < 2; i++ {
		candidate := population[rng.Intn(len(population))]
		if f := fitness(candidate); f > bestFit {
			best, bestFit = candidate, f
		}
	}
	return best
}

// orderCrossover is the classic OX operator: copy a slice of parent a, then
// fill the rest in parent b's order.
func orderCrossover(rng *rand.Rand, a, b []int) []int {
	n := len(a)
	lo := rng.Intn(n)
	hi := lo + rng.Intn(n-lo)

	child := make([]int, n)
	for i := range child {
		child[i] = -1
	}
	used := make(map[int]bool, n)
	for i := lo; i <= hi; i++ {
		child[i] = a[i]
		used[a[i]] = true
	}

	fill := (hi + 1) % n
	for i := 0; i < n; i++ {
		gene := b[(hi+1+i)%n]
		if used[gene] {
			continue
		}
		child[fill] = gene
		used[gene] = true
		fill = (fill + 1) % n
	}
	return child
}

func swapMutate(rng *rand.Rand, perm []int) {
	if len(perm) < 2 {
		return
	}
	i := rng.Intn(len(perm))
	j := rng.Intn(len(perm))
	perm[i], perm[j] = perm[j], perm[i]
}
