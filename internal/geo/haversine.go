package geo

import (
	"math"

	"github.com/example/accessride/internal/models"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// DistanceKm is HaversineKm over coordinates.
func DistanceKm(a, b models.Coord) float64 {
	return HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Bearing returns the initial compass bearing from a to b in degrees [0, 360).
func Bearing(a, b models.Coord) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLon := toRad(b.Lon - a.Lon)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Offset moves c by distKm along bearing (degrees). Used to place synthetic
// drivers in tests and simulations.
func Offset(c models.Coord, distKm, bearing float64) models.Coord {
	d := distKm / earthRadiusKm
	br := toRad(bearing)
	lat1, lon1 := toRad(c.Lat), toRad(c.Lon)
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(br))
	lon2 := lon1 + math.Atan2(math.Sin(br)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))
	return models.Coord{Lat: lat2 * 180 / math.Pi, Lon: lon2 * 180 / math.Pi}
}

// Round6 fixes a coordinate to six decimal places (~0.1 m).
func Round6(c models.Coord) models.Coord {
	return models.Coord{Lat: round(c.Lat, 1e6), Lon: round(c.Lon, 1e6)}
}

func ValidCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180 && !math.IsNaN(c.Lat) && !math.IsNaN(c.Lon)
}

// Bounds is a lat/lon rectangle, used for the service area.
type Bounds struct {
	South float64
	North float64
	West  float64
	East  float64
}

func (b Bounds) Contains(c models.Coord) bool {
	return c.Lat >= b.South && c.Lat <= b.North && c.Lon >= b.West && c.Lon <= b.East
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

func round(v, scale float64) float64 { return math.Round(v*scale) / scale }
