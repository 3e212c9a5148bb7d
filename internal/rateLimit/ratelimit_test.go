package rateLimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	redisadapter "github.com/robertarktes/expert-bookings/internal/adapters/redis"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l, _ := test.NewNullLogger()
	rl := NewRateLimiter(redisadapter.NewCache(client), observability.Wrap(l))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(ctx, "ip:10.0.0.1", 3, time.Minute))
	}
	assert.False(t, rl.Allow(ctx, "ip:10.0.0.1", 3, time.Minute))
	assert.True(t, rl.Allow(ctx, "ip:10.0.0.2", 3, time.Minute))

	mr.FastForward(time.Minute)
	assert.True(t, rl.Allow(ctx, "ip:10.0.0.1", 3, time.Minute))
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l, _ := test.NewNullLogger()
	rl := NewRateLimiter(redisadapter.NewCache(client), observability.Wrap(l))
	mr.Close()

	assert.True(t, rl.Allow(context.Background(), "ip:10.0.0.1", 1, time.Minute))
}
