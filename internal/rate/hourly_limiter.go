package rate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// HourlyLimiter provides atomic per-account hourly limiting using a Redis Lua
// script, so multiple engine processes share one budget. Buckets align to
// top-of-hour; the in-process Governor remains the strict sliding window.
type HourlyLimiter struct {
	redis *redis.Client
	limit int

	script *redis.Script
}

// Lua script for atomic check-then-increment. GET -> check -> INCR done in
// separate round trips would race between workers.
const hourlyLimitScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// NewHourlyLimiter creates a limiter with a pre-compiled Lua script.
func NewHourlyLimiter(redisClient *redis.Client, limitPerHour int) *HourlyLimiter {
	return &HourlyLimiter{
		redis:  redisClient,
		limit:  limitPerHour,
		script: redis.NewScript(hourlyLimitScript),
	}
}

// NewHourlyLimiterFromURL connects to Redis and verifies the connection.
func NewHourlyLimiterFromURL(redisURL string, limitPerHour int) (*HourlyLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	log.Printf("[HourlyLimiter] Connected to Redis")

	return NewHourlyLimiter(client, limitPerHour), nil
}

// Allow atomically checks and increments the hourly counter for accountID.
// When denied, waitTime is the time until the current hour bucket rolls over.
func (h *HourlyLimiter) Allow(ctx context.Context, accountID string) (allowed bool, waitTime time.Duration, err error) {
	now := time.Now()
	key := fmt.Sprintf("ratelimit:acct:%s:hour:%d", accountID, now.Unix()/3600)

	result, err := h.script.Run(ctx, h.redis,
		[]string{key},
		1,
		h.limit,
		7200, // 2 hour TTL
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("hourly limit check failed: %w", err)
	}

	if result[0].(int64) == 0 {
		next := now.Truncate(time.Hour).Add(time.Hour)
		return false, next.Sub(now), nil
	}
	return true, 0, nil
}

// Usage returns the current hour's counter for an account.
func (h *HourlyLimiter) Usage(ctx context.Context, accountID string) (int64, error) {
	key := fmt.Sprintf("ratelimit:acct:%s:hour:%d", accountID, time.Now().Unix()/3600)
	n, err := h.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Close closes the Redis connection.
func (h *HourlyLimiter) Close() error {
	return h.redis.Close()
}
