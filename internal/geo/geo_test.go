package geo

import (
	"context"
	"testing"

	"github.com/example/commute-pool/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestMemoryIndexNearbyByDateAndRadius(t *testing.T) {
	g := NewMemoryIndex()
	ctx := context.Background()
	home := models.Coord{Lat: 48.8566, Lon: 2.3522}
	_ = g.Add(ctx, "2025-06-02", "near", models.Coord{Lat: 48.8600, Lon: 2.3522})
	_ = g.Add(ctx, "2025-06-02", "nearer", models.Coord{Lat: 48.8570, Lon: 2.3522})
	_ = g.Add(ctx, "2025-06-02", "far", models.Coord{Lat: 48.9566, Lon: 2.3522})
	_ = g.Add(ctx, "2025-06-03", "otherday", home)

	hits, err := g.Nearby(ctx, "2025-06-02", home, 3000, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(hits) != 2 || hits[0].TripID != "nearer" || hits[1].TripID != "near" {
		t.Fatalf("unexpected hits %+v", hits)
	}

	hits, _ = g.Nearby(ctx, "2025-06-02", home, 3000, 1)
	if len(hits) != 1 || hits[0].TripID != "nearer" {
		t.Fatalf("limit not applied: %+v", hits)
	}
}
