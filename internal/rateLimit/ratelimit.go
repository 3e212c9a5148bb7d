package rateLimit

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/expert-bookings/internal/adapters/redis"
	"github.com/robertarktes/expert-bookings/internal/observability"
)

type RateLimiter struct {
	redis  *redisadapter.Cache
	logger observability.Logger
}

func NewRateLimiter(redis *redisadapter.Cache, logger observability.Logger) *RateLimiter {
	return &RateLimiter{redis: redis, logger: logger}
}

// Allow counts one hit against key in a fixed window of period. Requests are
// let through when Redis is unreachable.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	n, err := rl.redis.IncrWindow(ctx, "rl:"+key, period)
	if err != nil {
		rl.logger.WithField("key", key).Warn("rate limiter unavailable: ", err)
		return true
	}
	if n > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}
