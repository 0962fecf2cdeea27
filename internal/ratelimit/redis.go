// Package ratelimit provides a Redis-backed store for echo's RateLimiter
// middleware so that replicas share one token bucket per client.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces bucket keys in a shared Redis.
const keyPrefix = "b2c-token-proxy:rl:"

// storeTimeout bounds a single Allow round-trip.
const storeTimeout = 250 * time.Millisecond

// bucketScript refills and consumes one token atomically.
// Returns 1 when the request is allowed, 0 otherwise.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local rps = tonumber(ARGV[3])

local t = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(t[1]) or burst
local ts = tonumber(t[2]) or now
local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + delta * rps / 1000.0)

local allowed = 0
if tokens >= 1.0 then
  tokens = tokens - 1.0
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', key, math.ceil(1000.0 * burst / rps) + 1000)
return allowed
`)

// RedisStore implements echo's middleware.RateLimiterStore.
type RedisStore struct {
	client redis.UniversalClient
	rps    float64
	burst  int
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisStore creates a RedisStore allowing rps requests per second with the
// given burst per identifier.
func NewRedisStore(client redis.UniversalClient, rps float64, burst int, logger *slog.Logger) *RedisStore {
	if burst < 1 {
		burst = 1
	}
	return &RedisStore{
		client: client,
		rps:    rps,
		burst:  burst,
		now:    time.Now,
		logger: logger.With("component", "redis_rate_limiter"),
	}
}

// Allow consumes a token for identifier. Redis failures fail open: the request
// is allowed and a warning is logged.
func (s *RedisStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	res, err := bucketScript.Run(ctx, s.client,
		[]string{keyPrefix + identifier},
		s.now().UnixMilli(), s.burst, s.rps,
	).Int()
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing request", "err", err)
		return true, nil
	}
	return res == 1, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
