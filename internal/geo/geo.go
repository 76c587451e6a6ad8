package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/accessride/internal/models"
)

// Geo is the live driver availability index the candidate pool reads from.
type Geo interface {
	// Nearby returns drivers within radiusKm of center ordered by distance,
	// with DistanceKm populated.
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.DriverCandidate, error)
	Upsert(ctx context.Context, d models.DriverCandidate) error
	Remove(ctx context.Context, driverID string) error
}

// Index is an in-memory Geo used for local runs and tests.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverCandidate
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverCandidate), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, d models.DriverCandidate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.LocationAt.IsZero() {
		d.LocationAt = g.now()
	}
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; the Redis index does the radius search server-side
func (g *Index) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.DriverCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	out := make([]models.DriverCandidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		dist := DistanceKm(center, d.Location)
		if dist > radiusKm {
			continue
		}
		d.DistanceKm = dist
		out = append(out, d)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
