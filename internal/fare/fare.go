// Package fare prices a trip for every vehicle class.
package fare

import (
	"context"
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/models"
)

// Engine computes fares for a pickup/destination pair.
type Engine interface {
	Quote(ctx context.Context, pickup, destination string) (models.FareQuote, error)
}

type Tariff struct {
	Base      float64
	PerKm     float64
	PerMinute float64
}

var DefaultTariffs = map[models.VehicleType]Tariff{
	models.VehicleAuto: {Base: 30, PerKm: 10, PerMinute: 2},
	models.VehicleCar:  {Base: 50, PerKm: 15, PerMinute: 3},
	models.VehicleMoto: {Base: 20, PerKm: 8, PerMinute: 1.5},
}

type Calculator struct {
	Geocoder maps.Geocoder
	Routes   eta.Client
	Tariffs  map[models.VehicleType]Tariff
}

func NewCalculator(g maps.Geocoder, routes eta.Client) *Calculator {
	return &Calculator{Geocoder: g, Routes: routes, Tariffs: DefaultTariffs}
}

func (c *Calculator) Quote(ctx context.Context, pickup, destination string) (models.FareQuote, error) {
	from, err := c.Geocoder.ResolveCoordinates(ctx, pickup)
	if err != nil {
		return nil, fmt.Errorf("resolve pickup: %w", err)
	}
	to, err := c.Geocoder.ResolveCoordinates(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}
	route, err := c.Routes.Estimate(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("estimate route: %w", err)
	}
	return Price(route, c.Tariffs), nil
}

// Price rounds each fare to the nearest whole currency unit.
func Price(r eta.Route, tariffs map[models.VehicleType]Tariff) models.FareQuote {
	km := r.DistanceMeters / 1000
	minutes := r.DurationSeconds / 60
	q := make(models.FareQuote, len(tariffs))
	for vt, t := range tariffs {
		q[vt] = math.Round(t.Base + km*t.PerKm + minutes*t.PerMinute)
	}
	return q
}
