// Package pricing quotes ride fares and driver offer amounts in minor units.
package pricing

import (
	"math"
	"time"

	"github.com/example/accessride/internal/models"
)

// Rates are expressed in cents.
type Rates struct {
	Base                int64
	PerKm               int64
	PerMinute           int64
	PreBookingFee       int64
	WheelchairSurcharge int64
	RoundTripDiscount   float64
	FreeWaiting         time.Duration
	WaitingPerHour      int64
	ExtendedPerHour     int64
	Multipliers         map[models.Priority]float64
	Incentives          map[models.Priority]float64
	Currency            string
}

func DefaultRates() Rates {
	return Rates{
		Base:                500,
		PerKm:               150,
		PerMinute:           30,
		PreBookingFee:       200,
		WheelchairSurcharge: 300,
		RoundTripDiscount:   0.10,
		FreeWaiting:         15 * time.Minute,
		WaitingPerHour:      1000,
		ExtendedPerHour:     1500,
		Multipliers: map[models.Priority]float64{
			models.PriorityNormal: 1.0,
			models.PriorityHigh:   1.15,
			models.PriorityUrgent: 1.30,
		},
		Incentives: map[models.Priority]float64{
			models.PriorityHigh:   0.15,
			models.PriorityUrgent: 0.25,
		},
		Currency: models.DefaultCurrency,
	}
}

type Service struct {
	Rates Rates
}

func NewService(r Rates) *Service { return &Service{Rates: r} }

// Quote prices a ride from its estimated distance and duration.
func (s *Service) Quote(r models.RideRequest) models.Money {
	rt := s.Rates
	subtotal := float64(rt.Base) +
		r.EstimatedDistanceKm*float64(rt.PerKm) +
		r.EstimatedDurationMin*float64(rt.PerMinute)
	if r.PreBooked {
		subtotal += float64(rt.PreBookingFee)
	}
	if r.Requirements.Category() == models.CategoryWheelchair {
		subtotal += float64(rt.WheelchairSurcharge)
	}
	if m, ok := rt.Multipliers[r.Priority]; ok {
		subtotal *= m
	}
	if r.RoundTrip {
		subtotal *= 2 * (1 - rt.RoundTripDiscount)
		if wait := WaitingTime(r); wait > 0 {
			subtotal += float64(s.WaitingFee(wait))
		}
	}
	return models.Money{Amount: int64(math.Round(subtotal)), Currency: rt.Currency}
}

// WaitingTime is the idle stretch between the outbound drop-off and the
// earliest return pickup of a round trip.
func WaitingTime(r models.RideRequest) time.Duration {
	if !r.RoundTrip || r.ReturnWindow == nil {
		return 0
	}
	arrive := r.PickupAt.Add(r.Duration())
	if !r.ReturnWindow.Start.After(arrive) {
		return 0
	}
	return r.ReturnWindow.Start.Sub(arrive)
}

// WaitingFee charges the standard hourly rate for the first hour after the
// free allowance and the extended rate beyond it.
func (s *Service) WaitingFee(wait time.Duration) int64 {
	rt := s.Rates
	if wait <= rt.FreeWaiting {
		return 0
	}
	if wait <= time.Hour {
		return int64(math.Round((wait - rt.FreeWaiting).Hours() * float64(rt.WaitingPerHour)))
	}
	first := (time.Hour - rt.FreeWaiting).Hours() * float64(rt.WaitingPerHour)
	rest := (wait - time.Hour).Hours() * float64(rt.ExtendedPerHour)
	return int64(math.Round(first + rest))
}

// OfferFare is what a driver is offered: the ride's fare plus the priority
// incentive.
func (s *Service) OfferFare(r models.RideRequest) models.Money {
	fare := r.EstimatedFare
	if fare.Currency == "" {
		fare.Currency = s.Rates.Currency
	}
	if inc, ok := s.Rates.Incentives[r.Priority]; ok {
		fare.Amount += int64(math.Round(float64(fare.Amount) * inc))
	}
	return fare
}
