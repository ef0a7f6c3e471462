// Package ratelimit enforces each mailbox's hourly send cap atomically in
// Redis, so two sender instances racing on the same mailbox can never both
// observe headroom and overshoot limit_hour_sent.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hourLimitLuaScript checks-then-increments one hourly bucket atomically,
// adapted from the teacher's multi-key second/minute/day script down to
// the single hourly bucket the send window model calls for.
const hourLimitLuaScript = `
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

type Limiter struct {
	redis  *redis.Client
	script *redis.Script
}

func New(redisClient *redis.Client) *Limiter {
	return &Limiter{redis: redisClient, script: redis.NewScript(hourLimitLuaScript)}
}

// Allow atomically checks and, if permitted, consumes one send against the
// mailbox's limit_hour_sent cap for the current wall-clock hour bucket.
func (l *Limiter) Allow(ctx context.Context, mailboxID string, limitHourSent int) (bool, error) {
	if limitHourSent <= 0 {
		return false, nil
	}

	now := time.Now()
	key := fmt.Sprintf("ratelimit:mailbox:%s:hour:%d", mailboxID, now.Unix()/3600)

	result, err := l.script.Run(ctx, l.redis, []string{key}, 1, limitHourSent, 7200).Slice()
	if err != nil {
		return false, fmt.Errorf("ratelimit: script run: %w", err)
	}
	allowed, _ := result[0].(int64)
	return allowed == 1, nil
}

// Usage returns the count already consumed in the current hour bucket.
func (l *Limiter) Usage(ctx context.Context, mailboxID string) (int64, error) {
	now := time.Now()
	key := fmt.Sprintf("ratelimit:mailbox:%s:hour:%d", mailboxID, now.Unix()/3600)
	n, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("ratelimit: get usage: %w", err)
	}
	return n, nil
}

func (l *Limiter) Close() error {
	return l.redis.Close()
}
