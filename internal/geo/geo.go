package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Geo is the proximity index consulted by the dispatch coordinator.
type Geo interface {
	Upsert(ctx context.Context, driverID string, c models.Coord) error
	Remove(ctx context.Context, driverID string) error
	Query(ctx context.Context, center models.Coord, radiusKm float64) ([]Candidate, error)
}

// Liveness decides whether a driver may be offered rides right now.
type Liveness interface {
	Dispatchable(driverID string) bool
}

// Candidate is a driver inside the query radius.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
}

// Index is an in-memory Geo. Locations are kept for every driver that ever
// reported one; availability is checked at query time.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Coord
	live    Liveness
}

// NewIndex returns an empty index. A nil live treats every driver as
// dispatchable.
func NewIndex(live Liveness) *Index {
	return &Index{drivers: make(map[string]models.Coord), live: live}
}

// Upsert records the driver's latest position. Last writer wins.
func (g *Index) Upsert(_ context.Context, driverID string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = c
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// Query returns dispatchable drivers within radiusKm of center, nearest
// first. It scans every known driver.
func (g *Index) Query(_ context.Context, center models.Coord, radiusKm float64) ([]Candidate, error) {
	g.mu.RLock()
	out := make([]Candidate, 0)
	for id, loc := range g.drivers {
		d := DistanceKm(center, loc)
		if d > radiusKm {
			continue
		}
		out = append(out, Candidate{DriverID: id, DistanceKm: d})
	}
	g.mu.RUnlock()
	return filterLive(g.live, out), nil
}

// filterLive drops drivers that are not dispatchable and sorts the rest
// nearest first, ties broken by driver id.
func filterLive(live Liveness, cands []Candidate) []Candidate {
	out := cands[:0]
	for _, c := range cands {
		if live != nil && !live.Dispatchable(c.DriverID) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out
}

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// DistanceKm is the great-circle distance between a and b.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
