package pricing

import (
	"testing"
	"time"

	"github.com/example/accessride/internal/models"
)

func TestQuote(t *testing.T) {
	s := NewService(DefaultRates())
	base := models.RideRequest{EstimatedDistanceKm: 10, EstimatedDurationMin: 20, Priority: models.PriorityNormal}

	cases := []struct {
		name string
		mod  func(r *models.RideRequest)
		want int64
	}{
		// 500 + 1500 + 600
		{"plain", func(r *models.RideRequest) {}, 2600},
		{"pre-booked", func(r *models.RideRequest) { r.PreBooked = true }, 2800},
		{"wheelchair", func(r *models.RideRequest) { r.Requirements.Wheelchair = models.WheelchairManual }, 2900},
		{"urgent", func(r *models.RideRequest) { r.Priority = models.PriorityUrgent }, 3380},
		{"round trip", func(r *models.RideRequest) { r.RoundTrip = true }, 4680},
	}
	for _, c := range cases {
		r := base
		c.mod(&r)
		got := s.Quote(r)
		if got.Amount != c.want || got.Currency != models.DefaultCurrency {
			t.Fatalf("%s: expected %d EUR, got %+v", c.name, c.want, got)
		}
	}
}

func TestWaitingFee(t *testing.T) {
	s := NewService(DefaultRates())
	cases := map[time.Duration]int64{
		10 * time.Minute: 0,
		45 * time.Minute: 500,
		time.Hour:        750,
		2 * time.Hour:    2250,
	}
	for wait, want := range cases {
		if got := s.WaitingFee(wait); got != want {
			t.Fatalf("wait %v: expected %d, got %d", wait, want, got)
		}
	}
}

func TestRoundTripChargesWaiting(t *testing.T) {
	s := NewService(DefaultRates())
	pickup := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	r := models.RideRequest{
		EstimatedDistanceKm:  10,
		EstimatedDurationMin: 20,
		PickupAt:             pickup,
		RoundTrip:            true,
		// arrive 09:20, return from 10:05
		ReturnWindow: &models.TimeWindow{Start: pickup.Add(65 * time.Minute), End: pickup.Add(2 * time.Hour)},
	}
	if got := WaitingTime(r); got != 45*time.Minute {
		t.Fatalf("expected 45m waiting, got %v", got)
	}
	if got := s.Quote(r).Amount; got != 4680+500 {
		t.Fatalf("expected %d, got %d", 4680+500, got)
	}
}

func TestOfferFareIncentive(t *testing.T) {
	s := NewService(DefaultRates())
	r := models.RideRequest{EstimatedFare: models.Money{Amount: 2000, Currency: "EUR"}}
	for prio, want := range map[models.Priority]int64{
		models.PriorityNormal: 2000,
		models.PriorityHigh:   2300,
		models.PriorityUrgent: 2500,
	} {
		r.Priority = prio
		if got := s.OfferFare(r).Amount; got != want {
			t.Fatalf("%s: expected %d, got %d", prio, want, got)
		}
	}
}
