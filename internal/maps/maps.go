// Package maps resolves addresses to coordinates and measures road distance.
package maps

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoResult = errors.New("address could not be resolved")

// Geocoder turns free-form address text into a coordinate.
type Geocoder interface {
	ResolveCoordinates(ctx context.Context, address string) (models.Coord, error)
}

// ParseLatLng accepts "lat,lng" text as produced by device GPS pickers.
func ParseLatLng(s string) (models.Coord, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return models.Coord{}, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return models.Coord{}, false
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || lng < -180 || lng > 180 {
		return models.Coord{}, false
	}
	return models.Coord{Lat: lat, Lon: lng}, true
}

// LiteralGeocoder only understands "lat,lng" addresses. It is used when no
// maps API key is configured.
type LiteralGeocoder struct{}

func (LiteralGeocoder) ResolveCoordinates(_ context.Context, address string) (models.Coord, error) {
	if c, ok := ParseLatLng(address); ok {
		return c, nil
	}
	return models.Coord{}, ErrNoResult
}
