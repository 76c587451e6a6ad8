package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/accessride/internal/models"
)

var (
	ErrNotFound         = errors.New("storage: not found")
	ErrDuplicate        = errors.New("storage: duplicate record")
	ErrAssignmentExists = errors.New("storage: ride already assigned")
)

// Store is the persistence contract of the dispatch engine. Schema ownership
// lives with the migrations in this package; the engine only creates, reads
// and updates records through these methods.
type Store interface {
	SaveRide(ctx context.Context, r *models.RideRequest) error
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
	// UpdateRideStatus is a compare-and-set: it reports false when the ride is
	// no longer in from.
	UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus, at time.Time) (bool, error)
	AppendRideEvent(ctx context.Context, e models.RideEvent) error
	RideEvents(ctx context.Context, rideID string) ([]models.RideEvent, error)

	SaveOffers(ctx context.Context, offers []models.Offer) error
	// UpdateOfferStatus is a compare-and-set on the offer status.
	UpdateOfferStatus(ctx context.Context, offerID string, from, to models.OfferStatus, at time.Time) (bool, error)
	ListOffers(ctx context.Context, rideID string) ([]models.Offer, error)

	// CreateAssignment fails with ErrAssignmentExists when the ride already
	// has one.
	CreateAssignment(ctx context.Context, a models.RideAssignment) error
	GetAssignment(ctx context.Context, rideID string) (*models.RideAssignment, error)

	// CommittedWindows lists the occupancy windows of the driver's active
	// assigned rides that overlap [from, to).
	CommittedWindows(ctx context.Context, driverID string, from, to time.Time) ([]models.CommittedWindow, error)
}

func committedWindows(r *models.RideRequest, from, to time.Time) []models.CommittedWindow {
	span := models.TimeWindow{Start: from, End: to}
	var out []models.CommittedWindow
	for _, w := range r.Occupancy() {
		if !w.Overlaps(span) {
			continue
		}
		out = append(out, models.CommittedWindow{RideID: r.ID, Window: w, Pickup: r.Pickup, Dropoff: r.Dropoff})
	}
	return out
}
