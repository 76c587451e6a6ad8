package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/accessride/internal/models"
)

// NotificationSink delivers an offer to a driver's device. A nil error means
// the offer left this process, not that the driver saw it.
type NotificationSink interface {
	SendOffer(ctx context.Context, driverID string, offer models.Offer) error
}

// Withdrawer is implemented by sinks that can tell a driver an offer is no
// longer open.
type Withdrawer interface {
	WithdrawOffer(ctx context.Context, driverID string, offer models.Offer) error
}

// LogSink only logs; used for local runs without a driver app.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) SendOffer(_ context.Context, driverID string, offer models.Offer) error {
	if l.Logger != nil {
		l.Logger.Info("offer", "ride_id", offer.RideID, "driver_id", driverID, "offer_id", offer.ID,
			"fare", offer.Fare.Amount, "expires_at", offer.ExpiresAt)
	}
	return nil
}

func (l LogSink) WithdrawOffer(_ context.Context, driverID string, offer models.Offer) error {
	if l.Logger != nil {
		l.Logger.Info("offer withdrawn", "ride_id", offer.RideID, "driver_id", driverID, "offer_id", offer.ID, "status", offer.Status)
	}
	return nil
}
