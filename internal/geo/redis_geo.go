package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/commute-pool/internal/models"
)

// RedisIndex implements Index using Redis GEO commands, one sorted set per
// date. Each set expires the day after its date.
type RedisIndex struct {
	client *redis.Client
	prefix string
	loc    *time.Location
}

func NewRedisIndex(client *redis.Client, prefix string, loc *time.Location) *RedisIndex {
	if prefix == "" {
		prefix = "trips_geo"
	}
	if loc == nil {
		loc = time.UTC
	}
	return &RedisIndex{client: client, prefix: prefix, loc: loc}
}

func (r *RedisIndex) key(date string) string { return r.prefix + ":" + date }

func (r *RedisIndex) Add(ctx context.Context, date, tripID string, at models.Coord) error {
	key := r.key(date)
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: at.Lon, Latitude: at.Lat, Name: tripID})
	if d, err := time.ParseInLocation(models.DateLayout, date, r.loc); err == nil {
		pipe.ExpireAt(ctx, key, d.AddDate(0, 0, 2))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("geo add %s: %w", tripID, err)
	}
	return nil
}

func (r *RedisIndex) Nearby(ctx context.Context, date string, at models.Coord, radiusMeters float64, limit int) ([]Hit, error) {
	res, err := r.client.GeoRadius(ctx, r.key(date), at.Lon, at.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusMeters,
		Unit:     "m",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{TripID: g.Name, DistanceMeters: g.Dist})
	}
	return out, nil
}
