package rides

import (
	"errors"
	"fmt"

	"github.com/example/accessride/internal/models"
	"github.com/example/accessride/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("rides: invalid transition")
	// ErrConflict means another writer changed the ride's status first.
	ErrConflict = errors.New("rides: concurrent status change")
	ErrNotFound = storage.ErrNotFound
)

type InvalidTransitionError struct {
	RideID string
	From   models.RideStatus
	To     models.RideStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ride %s: cannot go from %s to %s", e.RideID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ValidationError rejects a ride request before it enters dispatch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
