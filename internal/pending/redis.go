// Package pending keeps the per-driver count of undecided ride requests in
// a Redis hash. The event consumer writes it and the API reads it.
package pending

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSeenTTL bounds how long a replayed event is recognised as a duplicate.
const DefaultSeenTTL = 7 * 24 * time.Hour

// applyScript marks the event seen and moves the count in one step, so a
// failed increment never leaves a marker behind.
var applyScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[3]) then
  return 0
end
redis.call('HINCRBY', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

type RedisCounter struct {
	Client  *redis.Client
	Key     string
	SeenTTL time.Duration
}

func NewRedisCounter(c *redis.Client, key string) *RedisCounter {
	return &RedisCounter{Client: c, Key: key, SeenTTL: DefaultSeenTTL}
}

// Apply adds delta to driverID's count unless eventKey was applied before.
// It reports whether the count changed.
func (r *RedisCounter) Apply(ctx context.Context, eventKey, driverID string, delta int64) (bool, error) {
	ttl := r.SeenTTL
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	n, err := applyScript.Run(ctx, r.Client, []string{r.Key + ":seen:" + eventKey, r.Key},
		driverID, delta, int64(ttl/time.Second)).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisCounter) Pending(ctx context.Context, driverID string) (int64, bool, error) {
	n, err := r.Client.HGet(ctx, r.Key, driverID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
