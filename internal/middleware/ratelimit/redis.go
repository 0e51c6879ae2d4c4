package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/apigate/internal/config"
)

// slidingWindowScript implements a sliding window rate limiter using Redis sorted sets.
// Returns: [allowed (0/1), remaining, resetTimestamp]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if #oldest >= 2 then
    reset = tonumber(oldest[2]) + window
end
return {0, 0, reset}
`)

// redisTimeout bounds each script call so a slow Redis cannot stall requests.
const redisTimeout = 100 * time.Millisecond

// Redis is a sliding-window limiter shared by every gateway instance that
// points at the same Redis. The window limit is the configured burst.
type Redis struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedis creates a Redis limiter over client. The limiter owns client and
// closes it in Close.
func NewRedis(client *redis.Client, cfg config.RateLimitConfig) *Redis {
	window := cfg.Period
	if window <= 0 {
		window = time.Second
	}
	limit := cfg.Burst
	if limit <= 0 {
		limit = cfg.Rate
	}
	prefix := cfg.Redis.KeyPrefix
	if prefix == "" {
		prefix = "apigate:rl:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

// Allow records one request for key. A Redis failure is returned as an
// error together with an allowing decision.
func (rl *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	nowMs := time.Now().UnixMilli()
	result, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{rl.prefix + key},
		nowMs,
		rl.window.Milliseconds(),
		rl.limit,
	).Int64Slice()
	if err != nil {
		return Decision{Allowed: true, Limit: rl.limit, Remaining: rl.limit}, err
	}

	return Decision{
		Allowed:   result[0] == 1,
		Limit:     rl.limit,
		Remaining: int(result[1]),
		Reset:     time.UnixMilli(result[2]),
	}, nil
}

// Close closes the Redis client.
func (rl *Redis) Close() error {
	return rl.client.Close()
}
