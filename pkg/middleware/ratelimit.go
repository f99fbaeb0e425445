package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the sustained budget per key
	RequestsPerWindow int
	// WindowDuration is the period RequestsPerWindow refills over
	WindowDuration time.Duration
	// BurstSize is extra headroom on top of RequestsPerWindow for an idle key
	BurstSize int
}

// DefaultRateLimitConfig returns the per-tenant limit for subscription
// changes. Every upgrade opens a provider checkout, so the budget is small.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Minute,
		BurstSize:         5,
	}
}

// Limiter decides whether a keyed request may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Remaining(ctx context.Context, key string) (int, error)
	Config() *RateLimitConfig
}

// RateLimiter is an in-process token bucket per key. State is local to the
// process; use DistributedRateLimiter when running several replicas.
type RateLimiter struct {
	config *RateLimitConfig
	limit  rate.Limit
	now    func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantBucket
}

var _ Limiter = (*RateLimiter)(nil)

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		limit:   rate.Limit(float64(config.RequestsPerWindow) / config.WindowDuration.Seconds()),
		now:     time.Now,
		tenants: make(map[string]*tenantBucket),
	}
}

// Config returns the limiter settings
func (rl *RateLimiter) Config() *RateLimitConfig {
	return rl.config
}

func (rl *RateLimiter) bucket(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.tenants[key]
	if !ok {
		b = &tenantBucket{
			limiter: rate.NewLimiter(rl.limit, rl.config.RequestsPerWindow+rl.config.BurstSize),
		}
		rl.tenants[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow takes a token for key if one is available
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := rl.now()
	return rl.bucket(key, now).AllowN(now, 1), nil
}

// Remaining returns the whole tokens left for key
func (rl *RateLimiter) Remaining(_ context.Context, key string) (int, error) {
	rl.mu.Lock()
	b, ok := rl.tenants[key]
	rl.mu.Unlock()

	if !ok {
		return rl.config.RequestsPerWindow + rl.config.BurstSize, nil
	}
	return int(b.limiter.TokensAt(rl.now())), nil
}

// Cleanup drops keys idle for two windows. A dropped key starts again with
// a full bucket, which is what it would have refilled to anyway.
func (rl *RateLimiter) Cleanup() {
	cutoff := rl.now().Add(-2 * rl.config.WindowDuration)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.tenants {
		if b.lastSeen.Before(cutoff) {
			delete(rl.tenants, key)
		}
	}
}

// StartCleanup runs Cleanup every window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.tenants)
}
