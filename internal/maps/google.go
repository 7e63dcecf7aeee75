package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

// Google resolves addresses and driving routes through the Google Maps APIs.
type Google struct {
	client *maps.Client
}

func NewGoogle(apiKey string) (*Google, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Maps client: %w", err)
	}
	return &Google{client: client}, nil
}

func (g *Google) ResolveCoordinates(ctx context.Context, address string) (models.Coord, error) {
	if c, ok := ParseLatLng(address); ok {
		return c, nil
	}
	resp, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		return models.Coord{}, fmt.Errorf("geocoding failed: %w", err)
	}
	if len(resp) == 0 {
		return models.Coord{}, ErrNoResult
	}
	loc := resp[0].Geometry.Location
	return models.Coord{Lat: loc.Lat, Lon: loc.Lng}, nil
}

// Estimate implements eta.Client with the distance matrix API.
func (g *Google) Estimate(ctx context.Context, from, to models.Coord) (eta.Route, error) {
	resp, err := g.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{fmt.Sprintf("%f,%f", from.Lat, from.Lon)},
		Destinations: []string{fmt.Sprintf("%f,%f", to.Lat, to.Lon)},
		Mode:         maps.TravelModeDriving,
	})
	if err != nil {
		return eta.Route{}, fmt.Errorf("distance matrix failed: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return eta.Route{}, ErrNoResult
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return eta.Route{}, fmt.Errorf("distance matrix element status %s", el.Status)
	}
	return eta.Route{DistanceMeters: float64(el.Distance.Meters), DurationSeconds: el.Duration.Seconds()}, nil
}
