package geo

import (
	"math"
	"testing"

	"github.com/example/accessride/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := HaversineKm(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Lisbon (Baixa) to Porto (Aliados) is roughly 274 km.
	d := HaversineKm(38.7223, -9.1393, 41.1579, -8.6291)
	if d < 270 || d > 278 {
		t.Fatalf("unexpected Lisbon-Porto distance %f", d)
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	origin := models.Coord{Lat: 38.7223, Lon: -9.1393}
	for _, km := range []float64{0.5, 1, 5, 12} {
		for _, br := range []float64{0, 45, 90, 200, 315} {
			p := Offset(origin, km, br)
			if got := DistanceKm(origin, p); math.Abs(got-km) > 0.001 {
				t.Fatalf("offset %vkm@%v: distance %f", km, br, got)
			}
			if km >= 1 {
				if b := Bearing(origin, p); math.Abs(b-br) > 0.5 {
					t.Fatalf("offset %vkm@%v: bearing %f", km, br, b)
				}
			}
		}
	}
}

func TestRound6(t *testing.T) {
	c := Round6(models.Coord{Lat: 38.72234567, Lon: -9.13931234})
	if c.Lat != 38.722346 || c.Lon != -9.139312 {
		t.Fatalf("unexpected rounding %+v", c)
	}
}

func TestBoundsContains(t *testing.T) {
	lisbon := Bounds{South: 38.60, North: 38.85, West: -9.50, East: -9.00}
	if !lisbon.Contains(models.Coord{Lat: 38.7223, Lon: -9.1393}) {
		t.Fatal("expected Baixa inside service area")
	}
	if lisbon.Contains(models.Coord{Lat: 41.1579, Lon: -8.6291}) {
		t.Fatal("expected Porto outside service area")
	}
}
