package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/headliner/internal/config"
	"go.uber.org/fx"
)

const keyManualRotateOwner = "headliner:rotate:owner:%s"

// RotateLimiter bounds out-of-band rotations per owner. Each one pushes a
// title and spends platform quota, so owners cannot hammer the endpoint.
type RotateLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

type Params struct {
	fx.In

	Config config.Config
	Redis  *redis.Client `optional:"true"`
}

// NewRotateLimiter returns nil when rate limiting is disabled.
func NewRotateLimiter(p Params) (*RotateLimiter, error) {
	cfg := p.Config.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}
	if p.Redis == nil {
		return nil, errors.New("rate limit requires REDIS_ADDR")
	}
	return newRotateLimiter(p.Redis, cfg.RotateRate, cfg.RotateBurst)
}

func newRotateLimiter(client *redis.Client, rate float64, burst int) (*RotateLimiter, error) {
	if rate <= 0 || burst <= 0 {
		return nil, errors.New("manual rotate rate limit must be positive")
	}
	return &RotateLimiter{
		bucket: NewTokenBucket(client),
		rate:   rate,
		burst:  burst,
	}, nil
}

func (l *RotateLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowOwner takes one token from the owner's bucket.
func (l *RotateLimiter) AllowOwner(ctx context.Context, ownerID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyManualRotateOwner, strings.TrimSpace(ownerID)), l.rate, l.burst)
}
