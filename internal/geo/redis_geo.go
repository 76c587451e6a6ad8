package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/accessride/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands plus one metadata hash per
// driver.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.DriverCandidate) error {
	if d.LocationAt.IsZero() {
		d.LocationAt = time.Now()
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Location.Lon, Latitude: d.Location.Lat, Name: d.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", d.ID, err)
	}
	if err := r.client.HSet(ctx, metaKey(d.ID), metaFields(d)).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, metaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.DriverCandidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("driver meta: %w", err)
	}

	out := make([]models.DriverCandidate, 0, len(res))
	for i, g := range res {
		d := models.DriverCandidate{ID: g.Name, DistanceKm: g.Dist}
		d.Location.Lat = g.Latitude
		d.Location.Lon = g.Longitude
		applyMeta(&d, metas[i].Val())
		out = append(out, d)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }

func metaFields(d models.DriverCandidate) map[string]interface{} {
	cat, _ := json.Marshal(d.CategoryRides)
	return map[string]interface{}{
		"rating":          strconv.FormatFloat(d.Rating, 'f', 2, 64),
		"online":          strconv.FormatBool(d.Online),
		"certified":       strconv.FormatBool(d.Certified),
		"capabilities":    strings.Join(d.Capabilities.Strings(), ","),
		"completed_rides": strconv.Itoa(d.CompletedRides),
		"category_rides":  string(cat),
		"updated":         d.LocationAt.UTC().Format(time.RFC3339),
	}
}

func applyMeta(d *models.DriverCandidate, m map[string]string) {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	d.Online = m["online"] == "true"
	d.Certified = m["certified"] == "true"
	if v := m["capabilities"]; v != "" {
		d.Capabilities = models.CapabilitiesFromStrings(strings.Split(v, ","))
	}
	if v, ok := m["completed_rides"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.CompletedRides = n
		}
	}
	if v := m["category_rides"]; v != "" && v != "null" {
		_ = json.Unmarshal([]byte(v), &d.CategoryRides)
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			d.LocationAt = t
		}
	}
}
