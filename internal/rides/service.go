// Package rides owns ride creation and the ride status state machine.
package rides

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/accessride/internal/events"
	"github.com/example/accessride/internal/geo"
	"github.com/example/accessride/internal/logging"
	"github.com/example/accessride/internal/models"
	"github.com/example/accessride/internal/observability"
	"github.com/example/accessride/internal/pricing"
	"github.com/example/accessride/internal/routing"
	"github.com/example/accessride/internal/storage"
)

type Config struct {
	Area geo.Bounds
	// PastGrace tolerates client clock skew on immediate rides.
	PastGrace  time.Duration
	MaxAdvance time.Duration
	// PreBookLead is how far ahead a pickup must be to count as pre-booked.
	PreBookLead    time.Duration
	RoutingTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Area:           geo.Bounds{South: 38.60, North: 38.85, West: -9.50, East: -9.00},
		PastGrace:      5 * time.Minute,
		MaxAdvance:     30 * 24 * time.Hour,
		PreBookLead:    30 * time.Minute,
		RoutingTimeout: 4 * time.Second,
	}
}

// NewRide is a rider's request as received at the edge. A nil PickupAt means
// as soon as possible.
type NewRide struct {
	RiderID      string              `json:"rider_id"`
	Pickup       models.Coord        `json:"pickup"`
	Dropoff      models.Coord        `json:"dropoff"`
	PickupAt     *time.Time          `json:"pickup_at,omitempty"`
	Requirements models.Requirements `json:"requirements"`
	RoundTrip    bool                `json:"round_trip"`
	ReturnWindow *models.TimeWindow  `json:"return_window,omitempty"`
	Priority     models.Priority     `json:"priority,omitempty"`
}

type Service struct {
	cfg     Config
	store   storage.Store
	routing routing.Client
	pricing *pricing.Service
	events  events.Publisher
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(cfg Config, store storage.Store, rc routing.Client, ps *pricing.Service, pub events.Publisher, logger *slog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if ps == nil {
		ps = pricing.NewService(pricing.DefaultRates())
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		routing: rc,
		pricing: ps,
		events:  pub,
		logger:  logging.Component(logger, "rides"),
		now:     time.Now,
	}
}

// Create validates the request, estimates distance, duration and fare, and
// stores the ride as pending.
func (s *Service) Create(ctx context.Context, in NewRide) (*models.RideRequest, error) {
	now := s.now().UTC()
	if err := s.validate(in, now); err != nil {
		return nil, err
	}

	r := &models.RideRequest{
		ID:           uuid.NewString(),
		RiderID:      in.RiderID,
		Pickup:       geo.Round6(in.Pickup),
		Dropoff:      geo.Round6(in.Dropoff),
		PickupAt:     now,
		Requirements: models.Requirements{Wheelchair: in.Requirements.Wheelchair, Assistance: models.NewCapabilities(in.Requirements.Assistance...)},
		RoundTrip:    in.RoundTrip,
		Priority:     in.Priority,
		Status:       models.RidePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if r.Requirements.Wheelchair == "" {
		r.Requirements.Wheelchair = models.WheelchairNone
	}
	if r.Priority == "" {
		r.Priority = models.PriorityNormal
	}
	if in.PickupAt != nil && in.PickupAt.After(now) {
		r.PickupAt = in.PickupAt.UTC()
		r.PreBooked = r.PickupAt.Sub(now) >= s.cfg.PreBookLead
	}
	if in.RoundTrip && in.ReturnWindow != nil {
		w := *in.ReturnWindow
		r.ReturnWindow = &w
	}

	s.estimate(ctx, r)
	r.EstimatedFare = s.pricing.Quote(*r)

	if err := s.store.SaveRide(ctx, r); err != nil {
		return nil, fmt.Errorf("save ride: %w", err)
	}
	s.logger.Info("ride created", "ride_id", r.ID, "pre_booked", r.PreBooked, "category", r.Requirements.Category(),
		"distance_km", r.EstimatedDistanceKm, "fare", r.EstimatedFare.Amount)
	return r, nil
}

func (s *Service) validate(in NewRide, now time.Time) error {
	switch {
	case in.RiderID == "":
		return &ValidationError{Field: "rider_id", Reason: "required"}
	case !geo.ValidCoord(in.Pickup):
		return &ValidationError{Field: "pickup", Reason: "coordinates out of range"}
	case !geo.ValidCoord(in.Dropoff):
		return &ValidationError{Field: "dropoff", Reason: "coordinates out of range"}
	case !s.cfg.Area.Contains(in.Pickup):
		return &ValidationError{Field: "pickup", Reason: "outside service area"}
	case !s.cfg.Area.Contains(in.Dropoff):
		return &ValidationError{Field: "dropoff", Reason: "outside service area"}
	case geo.Round6(in.Pickup) == geo.Round6(in.Dropoff):
		return &ValidationError{Field: "dropoff", Reason: "same as pickup"}
	case !in.Requirements.Wheelchair.Known():
		return &ValidationError{Field: "requirements.wheelchair_type", Reason: fmt.Sprintf("unknown type %q", in.Requirements.Wheelchair)}
	}
	for _, c := range in.Requirements.Assistance {
		if !c.Known() {
			return &ValidationError{Field: "requirements.assistance", Reason: fmt.Sprintf("unknown capability %q", c)}
		}
	}
	switch in.Priority {
	case "", models.PriorityNormal, models.PriorityHigh, models.PriorityUrgent:
	default:
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", in.Priority)}
	}

	pickupAt := now
	if in.PickupAt != nil {
		pickupAt = *in.PickupAt
		if pickupAt.Before(now.Add(-s.cfg.PastGrace)) {
			return &ValidationError{Field: "pickup_at", Reason: "in the past"}
		}
		if pickupAt.After(now.Add(s.cfg.MaxAdvance)) {
			return &ValidationError{Field: "pickup_at", Reason: "too far in advance"}
		}
	}
	if in.ReturnWindow != nil {
		if !in.RoundTrip {
			return &ValidationError{Field: "return_window", Reason: "only allowed for round trips"}
		}
		if !in.ReturnWindow.Start.After(pickupAt) {
			return &ValidationError{Field: "return_window", Reason: "must start after pickup"}
		}
		if in.ReturnWindow.End.Before(in.ReturnWindow.Start) {
			return &ValidationError{Field: "return_window", Reason: "ends before it starts"}
		}
	}
	return nil
}

func (s *Service) estimate(ctx context.Context, r *models.RideRequest) {
	rctx := ctx
	if s.cfg.RoutingTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, s.cfg.RoutingTimeout)
		defer cancel()
	}
	route, degraded := routing.RouteOrEstimate(rctx, s.routing, r.Pickup, r.Dropoff)
	if degraded && s.routing != nil {
		observability.RoutingFallbacks.Inc()
		s.logger.Warn("routing fallback for ride estimate", "ride_id", r.ID)
	}
	r.EstimatedDistanceKm = round2(route.DistanceKm)
	r.EstimatedDurationMin = round2(route.DurationMin)
}

func (s *Service) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	return s.store.GetRide(ctx, id)
}

// Transition moves a ride to the next status if the move is legal and no
// other writer got there first.
func (s *Service) Transition(ctx context.Context, id string, to models.RideStatus, actor, reason string) (*models.RideRequest, error) {
	r, err := s.store.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	from := r.Status
	if !CanTransition(from, to) {
		return nil, &InvalidTransitionError{RideID: id, From: from, To: to}
	}
	at := s.now().UTC()
	ok, err := s.store.UpdateRideStatus(ctx, id, from, to, at)
	if err != nil {
		return nil, fmt.Errorf("update ride status: %w", err)
	}
	if !ok {
		return nil, ErrConflict
	}
	r.Status = to
	r.UpdatedAt = at

	ev := models.RideEvent{RideID: id, From: from, To: to, Actor: actor, Reason: reason, At: at}
	if err := s.store.AppendRideEvent(ctx, ev); err != nil {
		s.logger.Error("ride event not recorded", "ride_id", id, "from", from, "to", to, "err", err)
	}
	_ = s.events.Publish(ctx, events.TopicStatus, events.Envelope{Type: events.TypeRideTransition, RideID: id, At: at, Data: ev})
	observability.RideTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Info("ride transition", "ride_id", id, "from", from, "to", to, "actor", actor, "reason", reason)
	return r, nil
}

func (s *Service) Confirm(ctx context.Context, id, actor string) (*models.RideRequest, error) {
	return s.Transition(ctx, id, models.RideConfirmed, actor, "")
}

func (s *Service) Start(ctx context.Context, id, actor string) (*models.RideRequest, error) {
	return s.Transition(ctx, id, models.RideInProgress, actor, "pickup")
}

func (s *Service) Complete(ctx context.Context, id, actor string) (*models.RideRequest, error) {
	return s.Transition(ctx, id, models.RideCompleted, actor, "dropoff")
}

// Events returns the ride's audit trail.
func (s *Service) Events(ctx context.Context, id string) ([]models.RideEvent, error) {
	if _, err := s.store.GetRide(ctx, id); err != nil {
		return nil, err
	}
	return s.store.RideEvents(ctx, id)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
