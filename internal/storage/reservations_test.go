package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryReservations(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := NewMemoryReservations()
	m.now = func() time.Time { return now }

	if ok, _ := m.Acquire(ctx, "d1", "r1", time.Minute); !ok {
		t.Fatalf("expected first claim")
	}
	if ok, _ := m.Acquire(ctx, "d1", "r2", time.Minute); ok {
		t.Fatalf("second ride must not claim a held driver")
	}
	if ok, _ := m.Acquire(ctx, "d1", "r1", time.Minute); !ok {
		t.Fatalf("holder must be able to re-acquire")
	}

	// a release from the wrong ride is ignored
	_ = m.Release(ctx, "d1", "r2")
	if holder, ok := m.holder("d1"); !ok || holder != "r1" {
		t.Fatalf("expected r1 to hold d1, got %q %v", holder, ok)
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := m.Acquire(ctx, "d1", "r2", time.Minute); !ok {
		t.Fatalf("expired claim must be replaceable")
	}
	_ = m.Release(ctx, "d1", "r2")
	if _, ok := m.holder("d1"); ok {
		t.Fatalf("expected no holder after release")
	}
}

func (m *MemoryReservations) holder(driverID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[driverID]
	if !ok || !m.now().Before(cur.expires) {
		return "", false
	}
	return cur.rideID, true
}

func TestRedisReservations(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	r := NewRedisReservations(client, "test:reservation:")
	defer client.Del(ctx, "test:reservation:d1")

	if ok, err := r.Acquire(ctx, "d1", "r1", time.Second); err != nil || !ok {
		t.Fatalf("expected claim, got ok=%v err=%v", ok, err)
	}
	if ok, _ := r.Acquire(ctx, "d1", "r2", time.Second); ok {
		t.Fatalf("second ride must not claim a held driver")
	}
	if err := r.Release(ctx, "d1", "r2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := r.Acquire(ctx, "d1", "r2", time.Second); ok {
		t.Fatalf("release by a non-holder must not free the driver")
	}
	_ = r.Release(ctx, "d1", "r1")
	if ok, _ := r.Acquire(ctx, "d1", "r2", time.Second); !ok {
		t.Fatalf("expected claim after release")
	}
}
