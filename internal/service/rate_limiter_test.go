package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests within limit", func(t *testing.T) {
		mr, client := newTestRedis(t)
		limiter := NewRateLimiter(client)

		key := "test:user1"
		limit := 3
		window := 10 * time.Second

		for i := 0; i < limit; i++ {
			allowed, _ := limiter.CheckLimit(ctx, key, limit, window)
			assert.True(t, allowed, "Request %d should be allowed", i+1)
		}

		allowed, resetAt := limiter.CheckLimit(ctx, key, limit, window)
		assert.False(t, allowed, "Request should be rate limited")
		assert.True(t, resetAt.After(time.Now().Add(-time.Second)))
		assert.True(t, mr.Exists("qrauth:rl:test:user1"))
	})

	t.Run("counts bursts within the same second", func(t *testing.T) {
		_, client := newTestRedis(t)
		limiter := NewRateLimiter(client)

		limit := 5
		window := 10 * time.Second

		// All of these land inside one second; millisecond scoring must
		// still see them as distinct entries.
		for i := 0; i < limit; i++ {
			allowed, _ := limiter.CheckLimit(ctx, "test:burst", limit, window)
			assert.True(t, allowed, "Request %d should be allowed", i+1)
		}

		allowed, _ := limiter.CheckLimit(ctx, "test:burst", limit, window)
		assert.False(t, allowed)
	})

	t.Run("window slides forward", func(t *testing.T) {
		_, client := newTestRedis(t)
		limiter := NewRateLimiter(client)

		key := "test:user2"
		limit := 2
		window := 2 * time.Second

		allowed, _ := limiter.CheckLimit(ctx, key, limit, window)
		assert.True(t, allowed)
		allowed, _ = limiter.CheckLimit(ctx, key, limit, window)
		assert.True(t, allowed)
		allowed, _ = limiter.CheckLimit(ctx, key, limit, window)
		assert.False(t, allowed)

		// Old entries fall out of the window once it passes.
		time.Sleep(2100 * time.Millisecond)

		allowed, _ = limiter.CheckLimit(ctx, key, limit, window)
		assert.True(t, allowed)
	})

	t.Run("different keys are independent", func(t *testing.T) {
		_, client := newTestRedis(t)
		limiter := NewRateLimiter(client)

		limit := 1
		window := 10 * time.Second

		allowed, _ := limiter.CheckLimit(ctx, "test:independent1", limit, window)
		assert.True(t, allowed)
		allowed, _ = limiter.CheckLimit(ctx, "test:independent1", limit, window)
		assert.False(t, allowed)

		allowed, _ = limiter.CheckLimit(ctx, "test:independent2", limit, window)
		assert.True(t, allowed)
	})
}

func TestRateLimiterFailsClosed(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRateLimiter(client)
	mr.Close()

	ctx := context.Background()

	allowed, resetAt := limiter.CheckLimit(ctx, "test:key", 1, time.Minute)
	require.False(t, allowed, "Should deny request when Redis is unavailable")
	require.True(t, resetAt.After(time.Now()))
}
