package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/accessride/internal/models"
)

// Cache stores computed routes keyed by coordinate pair.
type Cache interface {
	Get(ctx context.Context, a, b models.Coord) (Route, bool)
	Set(ctx context.Context, a, b models.Coord, r Route)
}

// MemoryCache is a tiny in-memory cache with a fixed TTL.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return "route:" + fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *MemoryCache) Get(_ context.Context, a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

func (c *MemoryCache) Set(_ context.Context, a, b models.Coord, r Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: r, ts: time.Now()}
	c.mu.Unlock()
}

// RedisCache shares routes between server replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, a, b models.Coord) (Route, bool) {
	val, err := c.client.Get(ctx, keyFor(a, b)).Bytes()
	if err != nil {
		return Route{}, false
	}
	var r Route
	if err := json.Unmarshal(val, &r); err != nil {
		return Route{}, false
	}
	return r, true
}

func (c *RedisCache) Set(ctx context.Context, a, b models.Coord, r Route) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, keyFor(a, b), data, c.ttl).Err()
}

// Cached wraps a Client with a Cache. Errors are never cached.
type Cached struct {
	Next  Client
	Cache Cache
}

func (c *Cached) Route(ctx context.Context, a, b models.Coord) (Route, error) {
	if r, ok := c.Cache.Get(ctx, a, b); ok {
		return r, nil
	}
	r, err := c.Next.Route(ctx, a, b)
	if err != nil {
		return Route{}, err
	}
	c.Cache.Set(ctx, a, b, r)
	return r, nil
}
