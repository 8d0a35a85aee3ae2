package contextprov

import (
	"github.com/tiger/instant-dispatch/api/dispatch"
	"github.com/tiger/instant-dispatch/internal/config"
	"github.com/tiger/instant-dispatch/internal/core/geo"
)

// ZoneInfo is the resolution result for a single coordinate.
type ZoneInfo struct {
	Zone    string
	Covered bool
}

// Geo resolves coordinates to service zones and measures coverage.
type Geo struct {
	grid geo.Grid
}

func NewGeo(cfg config.Config) *Geo {
	return &Geo{grid: geo.NewGrid(cfg.Normalize().Zones)}
}

// Locate resolves one coordinate.
func (g *Geo) Locate(p dispatch.LatLng) ZoneInfo {
	zone, ok := g.grid.Resolve(p)
	return ZoneInfo{Zone: zone, Covered: ok}
}

// Coverage reports the fraction of points inside any zone, in [0,1].
func (g *Geo) Coverage(points []dispatch.LatLng) float64 {
	if len(points) == 0 {
		return 0
	}
	covered := 0
	for _, p := range points {
		if _, ok := g.grid.Resolve(p); ok {
			covered++
		}
	}
	return float64(covered) / float64(len(points))
}

// Zones lists the configured zone names.
func (g *Geo) Zones() []string {
	return g.grid.Names()
}
