package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	d := DistanceKm(models.Coord{Lat: 30.0, Lon: 76.0}, models.Coord{Lat: 30.01, Lon: 76.0})
	if math.Abs(d-1.112) > 0.01 {
		t.Fatalf("expected ~1.11km, got %f", d)
	}
}

type liveSet map[string]bool

func (l liveSet) Dispatchable(id string) bool { return l[id] }

func TestQueryRadiusAndOrdering(t *testing.T) {
	ctx := context.Background()
	live := liveSet{"near": true, "far": true, "tie-b": true, "tie-a": true}
	g := NewIndex(live)
	center := models.Coord{Lat: 30.0, Lon: 76.0}
	g.Upsert(ctx, "near", models.Coord{Lat: 30.01, Lon: 76.0})
	g.Upsert(ctx, "far", models.Coord{Lat: 30.05, Lon: 76.0})
	g.Upsert(ctx, "tie-b", models.Coord{Lat: 30.005, Lon: 76.0})
	g.Upsert(ctx, "tie-a", models.Coord{Lat: 30.005, Lon: 76.0})

	got, err := g.Query(ctx, center, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"tie-a", "tie-b", "near"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %+v", want, got)
	}
	for i, id := range want {
		if got[i].DriverID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].DriverID)
		}
	}
}

func TestQueryBoundaryInclusive(t *testing.T) {
	ctx := context.Background()
	g := NewIndex(liveSet{"d": true})
	center := models.Coord{Lat: 30.0, Lon: 76.0}
	loc := models.Coord{Lat: 30.013, Lon: 76.007}
	g.Upsert(ctx, "d", loc)
	exact := DistanceKm(center, loc)

	got, _ := g.Query(ctx, center, exact)
	if len(got) != 1 {
		t.Fatalf("driver at exactly the radius must be included, got %+v", got)
	}
	got, _ = g.Query(ctx, center, math.Nextafter(exact, 0))
	if len(got) != 0 {
		t.Fatalf("driver beyond the radius must be excluded, got %+v", got)
	}
}

func TestQueryExcludesNonDispatchable(t *testing.T) {
	ctx := context.Background()
	live := liveSet{"on": true, "off": false}
	g := NewIndex(live)
	g.Upsert(ctx, "on", models.Coord{Lat: 1, Lon: 1})
	g.Upsert(ctx, "off", models.Coord{Lat: 1, Lon: 1})
	got, _ := g.Query(ctx, models.Coord{Lat: 1, Lon: 1}, 1)
	if len(got) != 1 || got[0].DriverID != "on" {
		t.Fatalf("expected only on, got %+v", got)
	}
}

func TestQueryEmpty(t *testing.T) {
	g := NewIndex(liveSet{})
	got, err := g.Query(context.Background(), models.Coord{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v", got)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	g := NewIndex(liveSet{"d": true})
	g.Upsert(ctx, "d", models.Coord{Lat: 1, Lon: 1})
	g.Remove(ctx, "d")
	got, _ := g.Query(ctx, models.Coord{Lat: 1, Lon: 1}, 5)
	if len(got) != 0 {
		t.Fatalf("expected removed driver gone, got %+v", got)
	}
}
