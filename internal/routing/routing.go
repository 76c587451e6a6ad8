// Package routing is the narrow contract the engine uses to ask external
// routing services for driving distance and duration between coordinates.
package routing

import (
	"context"
	"errors"

	"github.com/example/accessride/internal/geo"
	"github.com/example/accessride/internal/models"
)

// Route summarizes a single origin→destination leg.
type Route struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	Accessible  bool    `json:"accessible"`
}

// Client is implemented by every routing backend and by the decorators in
// this package (cache, rate limit).
type Client interface {
	Route(ctx context.Context, origin, destination models.Coord) (Route, error)
}

var ErrNoRoute = errors.New("routing: no route")

const (
	// RoadFactor converts great-circle distance to an approximate road distance.
	RoadFactor = 1.4
	// FallbackSpeedKmh is the average urban speed assumed without a router.
	FallbackSpeedKmh = 25.0
)

// Estimate is the degraded-accuracy path used when no router answers: the
// great-circle distance scaled by RoadFactor, so estimates share a scale with
// routed distances. The route is never reported accessible since nothing
// verified it.
func Estimate(origin, destination models.Coord) Route {
	d := geo.DistanceKm(origin, destination) * RoadFactor
	return Route{
		DistanceKm:  d,
		DurationMin: d / FallbackSpeedKmh * 60,
	}
}

// RouteOrEstimate asks c and falls back to Estimate on error or a nil client.
// The second return reports whether the fallback was used.
func RouteOrEstimate(ctx context.Context, c Client, origin, destination models.Coord) (Route, bool) {
	if c == nil {
		return Estimate(origin, destination), true
	}
	r, err := c.Route(ctx, origin, destination)
	if err != nil {
		return Estimate(origin, destination), true
	}
	return r, false
}
