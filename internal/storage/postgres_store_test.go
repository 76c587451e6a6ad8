package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/accessride/internal/models"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx := context.Background()
	p, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	r := ride(uuid.NewString(), now.Add(time.Hour), models.RidePending)
	r.Requirements = models.Requirements{Wheelchair: models.WheelchairManual, Assistance: models.NewCapabilities(models.CapDoorToDoor)}
	r.Priority = models.PriorityHigh
	r.EstimatedFare = models.Money{Amount: 1850, Currency: models.DefaultCurrency}
	if err := p.SaveRide(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := p.GetRide(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Requirements.Wheelchair != models.WheelchairManual || !got.Requirements.Assistance.Has(models.CapDoorToDoor) {
		t.Fatalf("requirements lost: %+v", got.Requirements)
	}

	offer := models.Offer{ID: uuid.NewString(), RideID: r.ID, DriverID: "d1", Batch: 1, Fare: r.EstimatedFare, CreatedAt: now, ExpiresAt: now.Add(time.Minute), Status: models.OfferPending}
	if err := p.SaveOffers(ctx, []models.Offer{offer}); err != nil {
		t.Fatalf("save offers: %v", err)
	}
	a := models.RideAssignment{RideID: r.ID, DriverID: "d1", OfferID: offer.ID, Fare: offer.Fare, AcceptedAt: now}
	if err := p.CreateAssignment(ctx, a); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := p.CreateAssignment(ctx, a); !errors.Is(err, ErrAssignmentExists) {
		t.Fatalf("expected ErrAssignmentExists, got %v", err)
	}
	if ok, err := p.UpdateRideStatus(ctx, r.ID, models.RidePending, models.RideMatched, now); err != nil || !ok {
		t.Fatalf("status: ok=%v err=%v", ok, err)
	}
	ws, err := p.CommittedWindows(ctx, "d1", now, now.Add(24*time.Hour))
	if err != nil || len(ws) == 0 {
		t.Fatalf("expected committed window, got %v err=%v", ws, err)
	}
}
