package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Route is a distance/duration estimate between two points.
type Route struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Client is the interface used by the fare engine to price a trip.
type Client interface {
	Estimate(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Straight estimates along the great circle at a constant speed. It never
// fails and backs the other clients when they do.
type Straight struct {
	SpeedMps float64
}

func (s Straight) Estimate(_ context.Context, from, to models.Coord) (Route, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Route{DistanceMeters: d, DurationSeconds: d / speed}, nil
}

// Fallback tries Primary, then Secondary, caching successful answers.
type Fallback struct {
	Primary   Client
	Secondary Client
	Cache     *Cache
}

func (f *Fallback) Estimate(ctx context.Context, from, to models.Coord) (Route, error) {
	if f.Cache != nil {
		if v, ok := f.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	var (
		r   Route
		err error
	)
	if f.Primary != nil {
		r, err = f.Primary.Estimate(ctx, from, to)
	}
	if f.Primary == nil || err != nil {
		if f.Secondary == nil {
			return Route{}, err
		}
		if r, err = f.Secondary.Estimate(ctx, from, to); err != nil {
			return Route{}, err
		}
	}
	if f.Cache != nil {
		f.Cache.Set(from, to, r)
	}
	return r, nil
}
