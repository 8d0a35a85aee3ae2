package geo

import (
	"math"
	"math/rand"
	"time"

	"github.com/tiger/instant-dispatch/api/dispatch"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two coordinates in km.
func HaversineKm(a, b dispatch.LatLng) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(latA)*math.Cos(latB)*sinLng*sinLng
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Round4 truncates a coordinate pair to 4 decimal places (~11 m), the
// granularity used for route cache keys.
func Round4(p dispatch.LatLng) dispatch.LatLng {
	return dispatch.LatLng{
		Lat: math.Round(p.Lat*1e4) / 1e4,
		Lng: math.Round(p.Lng*1e4) / 1e4,
	}
}

// PointInPolygon reports whether p lies inside the polygon using the
// ray-casting rule. Vertices are in order; the polygon is implicitly closed.
func PointInPolygon(p dispatch.LatLng, polygon []dispatch.LatLng) bool {
	if len(polygon) < 3 {
		return false
	}
	inside := false
	j := len(polygon) - 1
	for i := 0; i < len(polygon); i++ {
		vi, vj := polygon[i], polygon[j]
		if (vi.Lng > p.Lng) != (vj.Lng > p.Lng) &&
			p.Lat < (vj.Lat-vi.Lat)*(p.Lng-vi.Lng)/(vj.Lng-vi.Lng)+vi.Lat {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Jitter spreads d by up to ±frac so periodic work started on multiple
// instances does not fire in lockstep. frac outside (0, 1] returns d as is.
func Jitter(d time.Duration, frac float64, r *rand.Rand) time.Duration {
	if d <= 0 || frac <= 0 || frac > 1 {
		return d
	}
	span := float64(d) * frac
	offset := (r.Float64()*2 - 1) * span
	return d + time.Duration(offset)
}

// Zone is one named service zone with a center and radius.
type Zone struct {
	Name     string
	Center   dispatch.LatLng
	RadiusKm float64
}

// Grid resolves coordinates into zones by nearest center within radius.
type Grid struct {
	zones []Zone
}

// NewGrid builds a zone grid from the configured zones.
func NewGrid(zones []Zone) Grid {
	return Grid{zones: append([]Zone(nil), zones...)}
}

// Resolve returns the zone containing p, or ("", false) when p falls outside
// every zone's radius.
func (g Grid) Resolve(p dispatch.LatLng) (string, bool) {
	bestName := ""
	bestDist := math.MaxFloat64
	for _, z := range g.zones {
		d := HaversineKm(p, z.Center)
		if d <= z.RadiusKm && d < bestDist {
			bestName = z.Name
			bestDist = d
		}
	}
	return bestName, bestName != ""
}

// Names lists the configured zone names in order.
func (g Grid) Names() []string {
	names := make([]string, 0, len(g.zones))
	for _, z := range g.zones {
		names = append(names, z.Name)
	}
	return names
}
