package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/accessride/internal/models"
)

var ErrNoDeviceToken = errors.New("dispatch: no device token")

// TokenSource resolves a driver's push token.
type TokenSource interface {
	Token(ctx context.Context, driverID string) (string, error)
}

// RedisTokens reads tokens from the driver:push:<id> keys written by the
// driver app backend.
type RedisTokens struct {
	Client *redis.Client
}

func (r RedisTokens) Token(ctx context.Context, driverID string) (string, error) {
	tok, err := r.Client.Get(ctx, "driver:push:"+driverID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoDeviceToken
	}
	return tok, err
}

// FCMDispatcher posts data messages to the FCM HTTP v1 endpoint.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Tokens   TokenSource
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string, tokens TokenSource) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Tokens: tokens, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) SendOffer(ctx context.Context, driverID string, offer models.Offer) error {
	return f.push(ctx, driverID, MessageOffer, offer)
}

func (f *FCMDispatcher) WithdrawOffer(ctx context.Context, driverID string, offer models.Offer) error {
	return f.push(ctx, driverID, MessageWithdraw, offer)
}

func (f *FCMDispatcher) push(ctx context.Context, driverID, kind string, offer models.Offer) error {
	if f.Tokens == nil {
		return ErrNoDeviceToken
	}
	token, err := f.Tokens.Token(ctx, driverID)
	if err != nil {
		return err
	}
	// FCM data payloads are string maps
	data := map[string]string{
		"type":       kind,
		"ride_id":    offer.RideID,
		"offer_id":   offer.ID,
		"fare":       strconv.FormatInt(offer.Fare.Amount, 10),
		"currency":   offer.Fare.Currency,
		"expires_at": offer.ExpiresAt.UTC().Format(time.RFC3339),
	}
	body := map[string]any{"message": map[string]any{"token": token, "data": data}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm: status %d", resp.StatusCode)
	}
	return nil
}
