package dispatch

import (
	"context"
	"errors"

	"github.com/example/accessride/internal/models"
)

// ChainSink tries each sink in order and stops at the first that delivers:
// a live websocket first, push as the fallback.
type ChainSink []NotificationSink

func (c ChainSink) SendOffer(ctx context.Context, driverID string, offer models.Offer) error {
	var errs []error
	for _, s := range c {
		err := s.SendOffer(ctx, driverID, offer)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}

// WithdrawOffer notifies every sink that supports it; a driver may have seen
// the offer on any of them.
func (c ChainSink) WithdrawOffer(ctx context.Context, driverID string, offer models.Offer) error {
	var errs []error
	for _, s := range c {
		if w, ok := s.(Withdrawer); ok {
			if err := w.WithdrawOffer(ctx, driverID, offer); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
