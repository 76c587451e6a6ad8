package matcher

import (
	"math"
	"time"

	"github.com/example/accessride/internal/geo"
	"github.com/example/accessride/internal/models"
)

// Weights are the maximum points each sub-score contributes to the total.
type Weights struct {
	Distance     float64
	Experience   float64
	Availability float64
	Efficiency   float64
	Rating       float64
}

func DefaultWeights() Weights {
	return Weights{Distance: 30, Experience: 25, Availability: 20, Efficiency: 15, Rating: 10}
}

const (
	fullDistanceKm  = 1.0
	maxRating       = 5.0
	efficiencyBase  = 50.0
	efficiencyRange = 2 * time.Hour
)

// DistanceScore is 1 up to fullDistanceKm, linear down to 0 at maxRadiusKm
// and 0 beyond. Never increases with distance.
func DistanceScore(km, maxRadiusKm float64) float64 {
	switch {
	case km <= fullDistanceKm:
		return 1
	case km >= maxRadiusKm || maxRadiusKm <= fullDistanceKm:
		return 0
	}
	return (maxRadiusKm - km) / (maxRadiusKm - fullDistanceKm)
}

// ExperienceScore saturates at saturation completed rides.
func ExperienceScore(rides, saturation int) float64 {
	if saturation <= 0 || rides >= saturation {
		return 1
	}
	if rides <= 0 {
		return 0
	}
	return float64(rides) / float64(saturation)
}

// AvailabilityScore is 0 on a hard conflict, full when the nearest committed
// window is at least buffer away and linear in between.
func AvailabilityScore(gap, buffer time.Duration, conflict bool) float64 {
	switch {
	case conflict:
		return 0
	case buffer <= 0 || gap >= buffer:
		return 1
	case gap <= 0:
		return 0
	}
	return float64(gap) / float64(buffer)
}

// EfficiencyScore rewards rides that chain well with the driver's nearby
// commitments: a previous drop-off close to this pickup at a workable time
// gap. Without nearby commitments the score is neutral.
func EfficiencyScore(ride models.RideRequest, windows []models.CommittedWindow) float64 {
	score := efficiencyBase
	nearby := 0
	for _, w := range windows {
		if w.RideID == ride.ID {
			continue
		}
		gap := ride.PickupAt.Sub(w.Window.Start)
		if gap < 0 {
			gap = -gap
		}
		if gap > efficiencyRange {
			continue
		}
		nearby++
		km := geo.DistanceKm(w.Dropoff, ride.Pickup)
		mins := gap.Minutes()
		switch {
		case km < 5 && mins > 30 && mins < 90:
			score += 25
		case km < 10 && mins > 30 && mins < 120:
			score += 15
		default:
			score -= 10
		}
	}
	if nearby == 0 {
		return 0.5
	}
	return math.Max(0, math.Min(score, 100)) / 100
}

// RatingScore is linear from 0 at minRating to 1 at a perfect rating.
func RatingScore(rating, minRating float64) float64 {
	if minRating >= maxRating {
		if rating >= maxRating {
			return 1
		}
		return 0
	}
	v := (rating - minRating) / (maxRating - minRating)
	return math.Max(0, math.Min(v, 1))
}

// Conflict reports whether any of the ride's occupancy windows overlaps a
// committed window, and otherwise the smallest idle gap between them. With no
// committed windows the gap is reported as unbounded.
func Conflict(ride models.RideRequest, windows []models.CommittedWindow) (bool, time.Duration) {
	gap := time.Duration(math.MaxInt64)
	for _, occ := range ride.Occupancy() {
		for _, w := range windows {
			if w.RideID == ride.ID {
				continue
			}
			if occ.Overlaps(w.Window) {
				return true, 0
			}
			if g := occ.Gap(w.Window); g < gap {
				gap = g
			}
		}
	}
	return false, gap
}
