// Package matcher scores drivers against a ride and ranks them.
package matcher

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/accessride/internal/logging"
	"github.com/example/accessride/internal/models"
	"github.com/example/accessride/internal/observability"
	"github.com/example/accessride/internal/routing"
)

type Config struct {
	Weights        Weights
	MaxRadiusKm    float64
	Saturation     int
	Buffer         time.Duration
	MinRating      float64
	MinTotal       float64
	RoutingTimeout time.Duration
	Parallelism    int
}

func DefaultConfig() Config {
	return Config{
		Weights:        DefaultWeights(),
		MaxRadiusKm:    15,
		Saturation:     50,
		Buffer:         60 * time.Minute,
		MinRating:      3.5,
		RoutingTimeout: 4 * time.Second,
		Parallelism:    8,
	}
}

// Engine scores a driver for a ride. Routing is optional; without a client,
// or when the client fails, scores are computed from great-circle estimates
// and flagged as degraded.
type Engine struct {
	Config  Config
	Routing routing.Client
	Logger  *slog.Logger
}

func NewEngine(cfg Config, rc routing.Client, logger *slog.Logger) *Engine {
	return &Engine{Config: cfg, Routing: rc, Logger: logging.Component(logger, "matcher")}
}

// Score never fails: a routing error only degrades the distance input.
func (e *Engine) Score(ctx context.Context, ride models.RideRequest, d models.DriverCandidate) models.MatchScore {
	cfg := e.Config
	rctx := ctx
	if cfg.RoutingTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, cfg.RoutingTimeout)
		defer cancel()
	}
	route, degraded := routing.RouteOrEstimate(rctx, e.Routing, d.Location, ride.Pickup)
	if degraded && e.Routing != nil {
		observability.RoutingFallbacks.Inc()
		if e.Logger != nil {
			e.Logger.Debug("routing fallback", "ride_id", ride.ID, "driver_id", d.ID)
		}
	}

	conflict, gap := Conflict(ride, d.Windows)
	w := cfg.Weights
	s := models.MatchScore{
		DriverID:        d.ID,
		RideID:          ride.ID,
		Distance:        w.Distance * DistanceScore(route.DistanceKm, cfg.MaxRadiusKm),
		Experience:      w.Experience * ExperienceScore(d.RidesIn(ride.Requirements.Category()), cfg.Saturation),
		Availability:    w.Availability * AvailabilityScore(gap, cfg.Buffer, conflict),
		Efficiency:      w.Efficiency * EfficiencyScore(ride, d.Windows),
		Rating:          w.Rating * RatingScore(d.Rating, cfg.MinRating),
		DistanceKm:      route.DistanceKm,
		DurationMin:     route.DurationMin,
		Degraded:        degraded,
		RouteAccessible: route.Accessible,
	}
	s.Total = round2(s.Distance + s.Experience + s.Availability + s.Efficiency + s.Rating)
	return s
}

// Rank scores drivers concurrently and orders them best first. Ties break on
// distance, then driver id, so equal inputs always rank the same way.
func (e *Engine) Rank(ctx context.Context, ride models.RideRequest, drivers []models.DriverCandidate) []models.MatchScore {
	scores := make([]models.MatchScore, len(drivers))
	g, gctx := errgroup.WithContext(ctx)
	limit := e.Config.Parallelism
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)
	for i := range drivers {
		g.Go(func() error {
			scores[i] = e.Score(gctx, ride, drivers[i])
			return nil
		})
	}
	_ = g.Wait()

	out := scores[:0]
	for _, s := range scores {
		if s.Total < e.Config.MinTotal {
			continue
		}
		out = append(out, s)
	}
	SortScores(out)
	return out
}

func SortScores(scores []models.MatchScore) {
	sort.Slice(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.DriverID < b.DriverID
	})
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
