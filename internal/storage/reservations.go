package storage

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reservations hold short advisory claims on drivers while an offer to them
// is outstanding, so concurrent dispatches do not offer the same driver two
// rides at once. A claim expires on its own after the TTL.
type Reservations interface {
	// Acquire claims driverID for rideID. It reports true when the claim is
	// held by rideID after the call, including when rideID already held it.
	Acquire(ctx context.Context, driverID, rideID string, ttl time.Duration) (bool, error)
	// Release drops the claim only if rideID still holds it.
	Release(ctx context.Context, driverID, rideID string) error
}

type reservation struct {
	rideID  string
	expires time.Time
}

type MemoryReservations struct {
	mu   sync.Mutex
	held map[string]reservation
	now  func() time.Time
}

func NewMemoryReservations() *MemoryReservations {
	return &MemoryReservations{held: make(map[string]reservation), now: time.Now}
}

func (m *MemoryReservations) Acquire(_ context.Context, driverID, rideID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.held[driverID]; ok && cur.rideID != rideID && now.Before(cur.expires) {
		return false, nil
	}
	m.held[driverID] = reservation{rideID: rideID, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryReservations) Release(_ context.Context, driverID, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.held[driverID]; ok && cur.rideID == rideID {
		delete(m.held, driverID)
	}
	return nil
}

// compare-and-delete / compare-and-extend so a late release or retry from one
// ride can never touch another ride's claim
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if cur == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0`)
)

type RedisReservations struct {
	client *redis.Client
	prefix string
}

func NewRedisReservations(client *redis.Client, prefix string) *RedisReservations {
	if prefix == "" {
		prefix = "reservation:driver:"
	}
	return &RedisReservations{client: client, prefix: prefix}
}

func (r *RedisReservations) Acquire(ctx context.Context, driverID, rideID string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{r.prefix + driverID}, rideID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisReservations) Release(ctx context.Context, driverID, rideID string) error {
	return releaseScript.Run(ctx, r.client, []string{r.prefix + driverID}, rideID).Err()
}
