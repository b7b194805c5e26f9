package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/headliner/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRotateLimiterBurstThenDeny(t *testing.T) {
	limiter, err := newRotateLimiter(newClient(t), 0.001, 2)
	require.NoError(t, err)
	ctx := context.Background()

	for range 2 {
		res, err := limiter.AllowOwner(ctx, "owner-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := limiter.AllowOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)

	other, err := limiter.AllowOwner(ctx, "owner-2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestNilRotateLimiterAllows(t *testing.T) {
	var limiter *RotateLimiter
	res, err := limiter.AllowOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNewRotateLimiterConfig(t *testing.T) {
	limiter, err := NewRotateLimiter(Params{Config: config.Config{}})
	require.NoError(t, err)
	assert.Nil(t, limiter)

	_, err = NewRotateLimiter(Params{Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, RotateRate: 1, RotateBurst: 1}}})
	assert.Error(t, err)

	_, err = NewRotateLimiter(Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true}},
		Redis:  newClient(t),
	})
	assert.Error(t, err)
}
