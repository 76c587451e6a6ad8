package rides

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/accessride/internal/events"
	"github.com/example/accessride/internal/models"
	"github.com/example/accessride/internal/storage"
)

var (
	baixa    = models.Coord{Lat: 38.7107, Lon: -9.1365}
	saldanha = models.Coord{Lat: 38.7347, Lon: -9.1450}
	clock    = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

func newService(t *testing.T) (*Service, *storage.MemoryStore, *events.Recorder) {
	t.Helper()
	store := storage.NewMemoryStore()
	rec := events.NewRecorder()
	s := NewService(DefaultConfig(), store, nil, nil, rec, nil)
	s.now = func() time.Time { return clock }
	return s, store, rec
}

func validRide() NewRide {
	return NewRide{
		RiderID:      "rider-1",
		Pickup:       baixa,
		Dropoff:      saldanha,
		Requirements: models.Requirements{Wheelchair: models.WheelchairElectric},
	}
}

func TestCreateImmediateRide(t *testing.T) {
	s, _, _ := newService(t)
	in := validRide()
	in.Pickup = models.Coord{Lat: 38.71071234, Lon: -9.13654321}
	r, err := s.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Status != models.RidePending || r.PreBooked || !r.PickupAt.Equal(clock) {
		t.Fatalf("unexpected ride %+v", r)
	}
	if r.Pickup.Lat != 38.710712 || r.Pickup.Lon != -9.136543 {
		t.Fatalf("expected coordinates rounded to 6 places, got %+v", r.Pickup)
	}
	if r.EstimatedDistanceKm <= 0 || r.EstimatedDurationMin <= 0 || r.EstimatedFare.Amount <= 0 {
		t.Fatalf("expected estimates, got %+v", r)
	}
	if !r.Requirements.Required().Has(models.CapWheelchairLift) {
		t.Fatalf("electric wheelchair must require a lift")
	}
}

func TestCreatePreBookedRide(t *testing.T) {
	s, _, _ := newService(t)
	in := validRide()
	at := clock.Add(48 * time.Hour)
	in.PickupAt = &at
	in.RoundTrip = true
	in.ReturnWindow = &models.TimeWindow{Start: at.Add(3 * time.Hour), End: at.Add(4 * time.Hour)}
	r, err := s.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !r.PreBooked || !r.PickupAt.Equal(at) || r.ReturnWindow == nil {
		t.Fatalf("unexpected ride %+v", r)
	}
}

func TestCreateValidation(t *testing.T) {
	past := clock.Add(-10 * time.Minute)
	skew := clock.Add(-2 * time.Minute)
	far := clock.Add(31 * 24 * time.Hour)
	cases := []struct {
		name  string
		mod   func(*NewRide)
		field string
	}{
		{"missing rider", func(n *NewRide) { n.RiderID = "" }, "rider_id"},
		{"bad latitude", func(n *NewRide) { n.Pickup.Lat = 91 }, "pickup"},
		{"outside area", func(n *NewRide) { n.Dropoff = models.Coord{Lat: 41.1579, Lon: -8.6291} }, "dropoff"},
		{"same point", func(n *NewRide) { n.Dropoff = n.Pickup }, "dropoff"},
		{"past pickup", func(n *NewRide) { n.PickupAt = &past }, "pickup_at"},
		{"too far ahead", func(n *NewRide) { n.PickupAt = &far }, "pickup_at"},
		{"unknown wheelchair", func(n *NewRide) { n.Requirements.Wheelchair = "hover" }, "requirements.wheelchair_type"},
		{"unknown assistance", func(n *NewRide) { n.Requirements.Assistance = models.Capabilities{"jetpack"} }, "requirements.assistance"},
		{"return before pickup", func(n *NewRide) {
			n.RoundTrip = true
			n.ReturnWindow = &models.TimeWindow{Start: clock.Add(-time.Hour), End: clock}
		}, "return_window"},
		{"unknown priority", func(n *NewRide) { n.Priority = "asap" }, "priority"},
	}
	for _, c := range cases {
		s, _, _ := newService(t)
		in := validRide()
		c.mod(&in)
		_, err := s.Create(context.Background(), in)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != c.field {
			t.Fatalf("%s: expected validation error on %s, got %v", c.name, c.field, err)
		}
	}

	s, _, _ := newService(t)
	in := validRide()
	in.PickupAt = &skew
	if _, err := s.Create(context.Background(), in); err != nil {
		t.Fatalf("pickup within grace must be accepted: %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to models.RideStatus }{
		{models.RidePending, models.RideMatched},
		{models.RidePending, models.RideUnmatched},
		{models.RidePending, models.RideCancelled},
		{models.RideMatched, models.RideConfirmed},
		{models.RideConfirmed, models.RideInProgress},
		{models.RideInProgress, models.RideCompleted},
		{models.RideInProgress, models.RideCancelled},
	}
	for _, c := range legal {
		if !CanTransition(c.from, c.to) {
			t.Fatalf("expected %s -> %s to be legal", c.from, c.to)
		}
	}
	illegal := []struct{ from, to models.RideStatus }{
		{models.RidePending, models.RideCompleted},
		{models.RideMatched, models.RideUnmatched},
		{models.RideCompleted, models.RideCancelled},
		{models.RideCancelled, models.RidePending},
		{models.RideUnmatched, models.RideMatched},
	}
	for _, c := range illegal {
		if CanTransition(c.from, c.to) {
			t.Fatalf("expected %s -> %s to be rejected", c.from, c.to)
		}
	}
}

func TestLifecycleRecordsEvents(t *testing.T) {
	ctx := context.Background()
	s, _, rec := newService(t)
	r, _ := s.Create(ctx, validRide())

	if _, err := s.Transition(ctx, r.ID, models.RideMatched, "dispatcher", "accepted"); err != nil {
		t.Fatalf("match: %v", err)
	}
	if _, err := s.Confirm(ctx, r.ID, "rider-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := s.Start(ctx, r.ID, "driver-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := s.Complete(ctx, r.ID, "driver-1")
	if err != nil || got.Status != models.RideCompleted {
		t.Fatalf("complete: %v %+v", err, got)
	}

	evs, _ := s.Events(ctx, r.ID)
	if len(evs) != 4 || evs[3].To != models.RideCompleted || evs[0].Actor != "dispatcher" {
		t.Fatalf("unexpected audit trail %+v", evs)
	}
	if len(rec.Events(events.TopicStatus)) != 4 {
		t.Fatalf("expected 4 published transitions")
	}
}

func TestInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService(t)
	r, _ := s.Create(ctx, validRide())
	_, err := s.Complete(ctx, r.ID, "driver-1")
	var ite *InvalidTransitionError
	if !errors.Is(err, ErrInvalidTransition) || !errors.As(err, &ite) || ite.From != models.RidePending {
		t.Fatalf("expected invalid transition from pending, got %v", err)
	}
	if _, err := s.Transition(ctx, "missing", models.RideMatched, "x", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newService(t)
	r, _ := s.Create(ctx, validRide())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, to := range []models.RideStatus{models.RideMatched, models.RideCancelled, models.RideUnmatched, models.RideMatched} {
		wg.Add(1)
		go func(to models.RideStatus) {
			defer wg.Done()
			if _, err := s.Transition(ctx, r.ID, to, "test", ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one transition out of pending, got %d", wins)
	}
}
