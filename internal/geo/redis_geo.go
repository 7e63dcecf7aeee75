package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// GeoBackend is the subset of redis commands the index needs.
type GeoBackend interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	GeoSearch(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) ([]redis.GeoLocation, error)
	ZRem(ctx context.Context, key, member string) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

// RedisGeo implements Geo using Redis GEO commands so that a separate
// consumer process can feed locations from Kafka.
type RedisGeo struct {
	backend GeoBackend
	key     string
	live    Liveness
}

// NewRedisGeo stores positions under key. live filters query results the
// same way Index does.
func NewRedisGeo(backend GeoBackend, key string, live Liveness) *RedisGeo {
	return &RedisGeo{backend: backend, key: key, live: live}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, c models.Coord) error {
	if err := r.backend.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: driverID}); err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	if err := r.backend.HSet(ctx, MetaKey(driverID), map[string]interface{}{"updated": time.Now().Format(time.RFC3339)}); err != nil {
		return fmt.Errorf("hset %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	return r.backend.ZRem(ctx, r.key, driverID)
}

// Query asks redis for a slightly wider circle, since redis uses a different
// earth radius, then keeps only drivers inside radiusKm by our own haversine.
func (r *RedisGeo) Query(ctx context.Context, center models.Coord, radiusKm float64) ([]Candidate, error) {
	res, err := r.backend.GeoSearch(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm * 1.01,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		d := DistanceKm(center, models.Coord{Lat: g.Latitude, Lon: g.Longitude})
		if d > radiusKm {
			continue
		}
		out = append(out, Candidate{DriverID: g.Name, DistanceKm: d})
	}
	return filterLive(r.live, out), nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

// NewRedisBackend adapts a go-redis client to GeoBackend.
func NewRedisBackend(c *redis.Client) GeoBackend { return &redisAdapter{c: c} }

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) GeoSearch(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) ([]redis.GeoLocation, error) {
	return r.c.GeoSearchLocation(ctx, key, q).Result()
}

func (r *redisAdapter) ZRem(ctx context.Context, key, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}
