// Package candidates turns the live driver index into the eligible set for a
// ride.
package candidates

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/accessride/internal/geo"
	"github.com/example/accessride/internal/logging"
	"github.com/example/accessride/internal/matcher"
	"github.com/example/accessride/internal/models"
	"github.com/example/accessride/internal/observability"
)

// ScheduleSource returns a driver's committed windows overlapping [from, to).
// storage.Store satisfies it.
type ScheduleSource interface {
	CommittedWindows(ctx context.Context, driverID string, from, to time.Time) ([]models.CommittedWindow, error)
}

type Config struct {
	MaxRadiusKm float64
	MinRating   float64
	// Budget bounds a whole Eligible call; when it runs out the drivers
	// resolved so far are returned.
	Budget time.Duration
	// Limit caps how many nearby drivers are considered.
	Limit int
	// StaleAfter drops drivers whose last location is older than this for
	// immediate rides. Zero disables the check.
	StaleAfter  time.Duration
	Parallelism int
	// ScheduleMargin widens the committed-window lookup on both sides of the
	// pickup day so rides just across midnight still count. It should cover
	// the scoring buffer and the efficiency look-around.
	ScheduleMargin time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRadiusKm:    15,
		MinRating:      3.5,
		Budget:         2 * time.Second,
		Limit:          200,
		StaleAfter:     10 * time.Minute,
		Parallelism:    16,
		ScheduleMargin: 2 * time.Hour,
	}
}

type Pool struct {
	cfg       Config
	index     geo.Geo
	schedules ScheduleSource
	logger    *slog.Logger
	now       func() time.Time
}

func NewPool(cfg Config, index geo.Geo, schedules ScheduleSource, logger *slog.Logger) *Pool {
	return &Pool{cfg: cfg, index: index, schedules: schedules, logger: logging.Component(logger, "candidates"), now: time.Now}
}

// Update refreshes a driver's live snapshot.
func (p *Pool) Update(ctx context.Context, d models.DriverCandidate) error {
	return p.index.Upsert(ctx, d)
}

func (p *Pool) Remove(ctx context.Context, driverID string) error {
	return p.index.Remove(ctx, driverID)
}

// Eligible returns the drivers that can serve the ride, nearest first, with
// their committed windows for the pickup day attached. A lookup failure of
// the index is an error, and that includes the index overrunning the budget:
// nothing has been resolved at that point, so there is no partial set to
// return. Running out of budget while fetching schedules is not an error and
// yields the subset resolved in time, whether or not the schedule source
// honours ctx.
func (p *Pool) Eligible(ctx context.Context, ride models.RideRequest) ([]models.DriverCandidate, error) {
	if p.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Budget)
		defer cancel()
	}

	nearby, err := p.index.Nearby(ctx, ride.Pickup, p.cfg.MaxRadiusKm, p.cfg.Limit)
	if err != nil {
		return nil, err
	}

	required := ride.Requirements.Required()
	now := p.now()
	pre := make([]models.DriverCandidate, 0, len(nearby))
	for _, d := range nearby {
		if p.excluded(ride, d, required, now) {
			continue
		}
		pre = append(pre, d)
	}

	out, degraded := p.withSchedules(ctx, ride, pre)
	if degraded {
		observability.CandidatePoolDegraded.Inc()
		p.logger.Warn("candidate pool degraded", "ride_id", ride.ID, "resolved", len(out), "considered", len(pre))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	observability.EligibleCandidates.Observe(float64(len(out)))
	return out, nil
}

func (p *Pool) excluded(ride models.RideRequest, d models.DriverCandidate, required models.Capabilities, now time.Time) bool {
	switch {
	case !d.Online, !d.Certified:
		return true
	case !d.Capabilities.Covers(required):
		return true
	case d.DistanceKm > p.cfg.MaxRadiusKm:
		return true
	case d.Rating < p.cfg.MinRating:
		return true
	case !ride.PreBooked && p.cfg.StaleAfter > 0 && now.Sub(d.LocationAt) > p.cfg.StaleAfter:
		return true
	}
	return false
}

// withSchedules attaches committed windows and drops drivers with a hard
// conflict. The bool reports that the budget ran out before every driver was
// resolved. Lookups still running at that point are abandoned.
func (p *Pool) withSchedules(ctx context.Context, ride models.RideRequest, drivers []models.DriverCandidate) ([]models.DriverCandidate, bool) {
	if p.schedules == nil || len(drivers) == 0 {
		return drivers, false
	}
	from, to := scheduleSpan(ride, p.cfg.ScheduleMargin)

	var (
		mu       sync.Mutex
		out      = make([]models.DriverCandidate, 0, len(drivers))
		degraded bool
		closed   bool
	)
	g := new(errgroup.Group)
	limit := p.cfg.Parallelism
	if limit <= 0 {
		limit = 16
	}
	g.SetLimit(limit)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, d := range drivers {
			if ctx.Err() != nil {
				mu.Lock()
				degraded = true
				mu.Unlock()
				break
			}
			g.Go(func() error {
				ws, err := p.schedules.CommittedWindows(ctx, d.ID, from, to)
				mu.Lock()
				defer mu.Unlock()
				if closed {
					return nil
				}
				if err != nil {
					if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
						degraded = true
					} else {
						p.logger.Warn("schedule lookup failed", "ride_id", ride.ID, "driver_id", d.ID, "err", err)
					}
					return nil
				}
				d.Windows = ws
				if conflict, _ := matcher.Conflict(ride, ws); conflict {
					return nil
				}
				out = append(out, d)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		default:
			mu.Lock()
			defer mu.Unlock()
			closed = true
			return append([]models.DriverCandidate(nil), out...), true
		}
	}
	mu.Lock()
	defer mu.Unlock()
	return out, degraded
}

// scheduleSpan is the pickup day widened by margin on both sides, stretched
// to cover a return leg.
func scheduleSpan(ride models.RideRequest, margin time.Duration) (time.Time, time.Time) {
	t := ride.PickupAt
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	from := day.Add(-margin)
	to := day.AddDate(0, 0, 1).Add(margin)
	for _, w := range ride.Occupancy() {
		if end := w.End.Add(margin); end.After(to) {
			to = end
		}
	}
	return from, to
}
