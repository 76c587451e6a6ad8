package rides

import "github.com/example/accessride/internal/models"

var transitions = map[models.RideStatus][]models.RideStatus{
	models.RidePending:    {models.RideMatched, models.RideCancelled, models.RideUnmatched},
	models.RideMatched:    {models.RideConfirmed, models.RideCancelled},
	models.RideConfirmed:  {models.RideInProgress, models.RideCancelled},
	models.RideInProgress: {models.RideCompleted, models.RideCancelled},
}

// CanTransition reports whether to is directly reachable from from.
func CanTransition(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
