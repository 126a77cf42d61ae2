package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/commute-pool/internal/models"
)

// Hit is a trip offer origin found near a point.
type Hit struct {
	TripID         string
	DistanceMeters float64
}

// Index finds trip offer origins near a point, partitioned by date.
type Index interface {
	Add(ctx context.Context, date, tripID string, at models.Coord) error
	Nearby(ctx context.Context, date string, at models.Coord, radiusMeters float64, limit int) ([]Hit, error)
}

type MemoryIndex struct {
	mu     sync.RWMutex
	byDate map[string]map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{byDate: make(map[string]map[string]models.Coord)}
}

func (g *MemoryIndex) Add(_ context.Context, date, tripID string, at models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	trips, ok := g.byDate[date]
	if !ok {
		trips = make(map[string]models.Coord)
		g.byDate[date] = trips
	}
	trips[tripID] = at
	return nil
}

// naive scan; fine for local runs and tests
func (g *MemoryIndex) Nearby(_ context.Context, date string, at models.Coord, radiusMeters float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Hit, 0, len(g.byDate[date]))
	for id, c := range g.byDate[date] {
		d := Haversine(at.Lat, at.Lon, c.Lat, c.Lon)
		if d <= radiusMeters {
			arr = append(arr, Hit{TripID: id, DistanceMeters: d})
		}
	}
	n := len(arr)
	if limit > 0 && limit < n {
		n = limit
	}
	// partial selection sort for top-N, ties broken by id for stable output
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if closer(arr[j], arr[minIdx]) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

func closer(a, b Hit) bool {
	if a.DistanceMeters != b.DistanceMeters {
		return a.DistanceMeters < b.DistanceMeters
	}
	return a.TripID < b.TripID
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
