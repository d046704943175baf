// Package ratelimit is a fixed-window request throttle backed by Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Limiter allows at most limit hits per key per window
type Limiter struct {
	redis  *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// New creates a limiter. A nil client or limit <= 0 allows everything.
func New(client *redis.Client, prefix string, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{redis: client, prefix: prefix, limit: limit, window: window}
}

// Enabled reports whether the limiter enforces anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.redis != nil && l.limit > 0
}

// Allow counts one hit for key and reports whether it is within the limit,
// plus the hits remaining in the current window. Redis errors fail open.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, int) {
	if !l.Enabled() {
		return true, -1
	}

	redisKey := fmt.Sprintf("ratelimit:%s:%s", l.prefix, key)

	count, err := l.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", redisKey).Msg("Rate limiter unavailable, allowing request")
		return true, -1
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, redisKey, l.window).Err(); err != nil {
			log.Warn().Err(err).Str("key", redisKey).Msg("Failed to set rate limit window")
		}
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(l.limit), remaining
}

// Window returns the window length, used for Retry-After.
func (l *Limiter) Window() time.Duration {
	return l.window
}
