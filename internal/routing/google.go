package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/accessride/internal/models"
)

// GoogleClient answers routes with the Google Maps Distance Matrix API.
// Google has no wheelchair profile, so routes are never marked accessible.
type GoogleClient struct {
	client *maps.Client
}

func NewGoogleClient(apiKey string) (*GoogleClient, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleClient{client: c}, nil
}

func (g *GoogleClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	resp, err := g.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{latLng(from)},
		Destinations: []string{latLng(to)},
		Mode:         maps.TravelModeDriving,
	})
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Route{}, ErrNoRoute
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return Route{}, fmt.Errorf("%w: element status %s", ErrNoRoute, el.Status)
	}
	return Route{
		DistanceKm:  float64(el.Distance.Meters) / 1000,
		DurationMin: el.Duration.Minutes(),
	}, nil
}

func latLng(c models.Coord) string { return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon) }
