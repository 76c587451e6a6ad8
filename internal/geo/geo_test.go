package geo

import (
	"context"
	"testing"

	"github.com/example/accessride/internal/models"
)

func TestIndexNearbyOrdersByDistanceAndRespectsRadius(t *testing.T) {
	ctx := context.Background()
	pickup := models.Coord{Lat: 38.7223, Lon: -9.1393}
	idx := NewIndex()
	for id, km := range map[string]float64{"far": 12, "near": 1, "mid": 5, "out": 20} {
		if err := idx.Upsert(ctx, models.DriverCandidate{ID: id, Location: Offset(pickup, km, 90), Online: true}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := idx.Nearby(ctx, pickup, 15, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"near", "mid", "far"}
	if len(got) != len(want) {
		t.Fatalf("expected %d drivers, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
		if got[i].DistanceKm <= 0 {
			t.Fatalf("distance not populated for %s", id)
		}
	}

	limited, _ := idx.Nearby(ctx, pickup, 15, 2)
	if len(limited) != 2 || limited[1].ID != "mid" {
		t.Fatalf("unexpected limited result %+v", limited)
	}
}

func (g *Index) get(driverID string) (models.DriverCandidate, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok
}

func TestIndexUpsertAndRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, models.DriverCandidate{ID: "d1", Online: true})
	_ = idx.Upsert(ctx, models.DriverCandidate{ID: "d1", Online: false})
	if d, _ := idx.get("d1"); d.Online {
		t.Fatal("expected the latest snapshot to win")
	}
	if d, _ := idx.get("d1"); d.LocationAt.IsZero() {
		t.Fatal("expected upsert to stamp location time")
	}
	_ = idx.Remove(ctx, "d1")
	if _, ok := idx.get("d1"); ok {
		t.Fatal("expected d1 removed")
	}
}

func TestRedisMetaRoundTrip(t *testing.T) {
	in := models.DriverCandidate{
		ID:             "d1",
		Rating:         4.75,
		Online:         true,
		Certified:      true,
		Capabilities:   models.NewCapabilities(models.CapWheelchairRamp, models.CapDoorToDoor),
		CompletedRides: 120,
		CategoryRides:  map[string]int{models.CategoryWheelchair: 40},
	}
	fields := metaFields(in)
	m := make(map[string]string, len(fields))
	for k, v := range fields {
		m[k] = v.(string)
	}
	var out models.DriverCandidate
	applyMeta(&out, m)
	if out.Rating != 4.75 || !out.Online || !out.Certified || out.CompletedRides != 120 {
		t.Fatalf("unexpected decoded meta %+v", out)
	}
	if !out.Capabilities.Covers(in.Capabilities) || out.RidesIn(models.CategoryWheelchair) != 40 {
		t.Fatalf("capabilities or category rides lost: %+v", out)
	}
}
