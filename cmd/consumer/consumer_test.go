package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/accessride/internal/models"
)

// fakeUpserter implements Upserter for tests
type fakeUpserter struct {
	fail     int // number of times to fail before succeeding
	calls    int
	upserted []models.DriverCandidate
	removed  []string
}

func (f *fakeUpserter) Upsert(ctx context.Context, d models.DriverCandidate) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("upsert fail")
	}
	f.upserted = append(f.upserted, d)
	return nil
}

func (f *fakeUpserter) Remove(ctx context.Context, driverID string) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("remove fail")
	}
	f.removed = append(f.removed, driverID)
	return nil
}

func driver() models.DriverCandidate {
	return models.DriverCandidate{ID: "d1", Location: models.Coord{Lat: 38.72, Lon: -9.14}, Rating: 4.5, Online: true}
}

func TestUpdateWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpserter{fail: 2}
	start := time.Now()
	if err := updateWithRetry(context.Background(), f, driver(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 || len(f.upserted) != 1 {
		t.Fatalf("expected 3 calls and one upsert, got calls=%d upserts=%d", f.calls, len(f.upserted))
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff")
	}
}

func TestUpdateWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpserter{fail: 5}
	if err := updateWithRetry(context.Background(), f, driver(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestUpdateWithRetry_StopsOnContextEnd(t *testing.T) {
	f := &fakeUpserter{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := updateWithRetry(ctx, f, driver(), 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHandleMessage(t *testing.T) {
	f := &fakeUpserter{}
	on, _ := json.Marshal(driver())
	if err := handleMessage(context.Background(), f, on, 3, time.Millisecond); err != nil {
		t.Fatalf("online: %v", err)
	}
	off := driver()
	off.Online = false
	b, _ := json.Marshal(off)
	if err := handleMessage(context.Background(), f, b, 3, time.Millisecond); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if len(f.upserted) != 1 || len(f.removed) != 1 || f.removed[0] != "d1" {
		t.Fatalf("unexpected calls upserted=%v removed=%v", f.upserted, f.removed)
	}

	for _, bad := range []string{"{", `{"id":"","loc":{"lat":1,"lon":1}}`, `{"id":"x","loc":{"lat":120,"lon":1}}`} {
		if err := handleMessage(context.Background(), f, []byte(bad), 3, time.Millisecond); !errors.Is(err, errInvalidMessage) {
			t.Fatalf("%s: expected invalid message, got %v", bad, err)
		}
	}
}
