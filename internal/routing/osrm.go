package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/accessride/internal/models"
)

// OSRMClient performs route lookups against an OSRM-compatible HTTP server.
// Profile selects the routing profile; servers exposing a "wheelchair"
// profile answer with accessible routes only.
type OSRMClient struct {
	Endpoint string
	Profile  string
	Client   *http.Client
}

func NewOSRMClient(endpoint, profile string, timeout time.Duration) *OSRMClient {
	if profile == "" {
		profile = "driving"
	}
	return &OSRMClient{Endpoint: endpoint, Profile: profile, Client: &http.Client{Timeout: timeout}}
}

func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	// OSRM route query: /route/v1/{profile}/{lon1},{lat1};{lon2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, o.Profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("%w: osrm code %v", ErrNoRoute, out.Code)
	}
	return Route{
		DistanceKm:  out.Routes[0].Distance / 1000,
		DurationMin: out.Routes[0].Duration / 60,
		Accessible:  o.Profile == "wheelchair",
	}, nil
}
