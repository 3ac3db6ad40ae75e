package common

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sizes the outbound request bucket.
type RateLimitConfig struct {
	Capacity   int     `yaml:"capacity"`    // burst size in tokens
	RefillRate float64 `yaml:"refill_rate"` // tokens per second
	// WeightLimit is the exchange's documented per-minute weight (used only for header warnings).
	WeightLimit int `yaml:"weight_limit"`
}

// DefaultRateLimitConfig matches Binance spot: 1200 weight/minute with a 100 token burst.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Capacity:    100,
		RefillRate:  20,
		WeightLimit: 1200,
	}
}

// Validate rejects out-of-range values instead of clamping them.
func (c RateLimitConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be > 0, got %d", c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("rate_limit.refill_rate must be > 0, got %v", c.RefillRate)
	}
	if c.WeightLimit < 0 {
		return fmt.Errorf("rate_limit.weight_limit must be >= 0, got %d", c.WeightLimit)
	}
	return nil
}

// RateLimiterState is a point-in-time view of the bucket.
type RateLimiterState struct {
	AvailableTokens float64   `json:"available_tokens"`
	LastRefill      time.Time `json:"last_refill"`
	Capacity        int       `json:"capacity"`
	RefillRate      float64   `json:"refill_rate"`
	UsedWeight      int       `json:"used_weight"`
	WeightLimit     int       `json:"weight_limit"`
}

// RateLimiter throttles outbound exchange requests with a token bucket.
// Refill and reservation happen atomically inside rate.Limiter, so concurrent
// callers never lose or double-count tokens.
type RateLimiter struct {
	bucket *rate.Limiter
	cfg    RateLimitConfig
	now    func() time.Time

	mu         sync.RWMutex
	lastRefill time.Time
	usedWeight int
	weightAt   time.Time
	onWait     func(time.Duration)
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		bucket: rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity),
		cfg:    cfg,
		now:    time.Now,
	}
	rl.lastRefill = rl.now()
	return rl
}

// OnWait registers a hook called with every non-zero wait (metrics).
func (rl *RateLimiter) OnWait(fn func(time.Duration)) {
	rl.mu.Lock()
	rl.onWait = fn
	rl.mu.Unlock()
}

// Acquire takes n tokens, suspending the caller for exactly the deficit/refill
// duration when the bucket is short. The returned duration is the wait that was
// applied. Cancelling ctx while waiting gives the reserved tokens back.
func (rl *RateLimiter) Acquire(ctx context.Context, n int) (time.Duration, error) {
	if n <= 0 {
		n = 1
	}
	now := rl.now()
	r, wait, err := rl.reserve(now, n)
	if err != nil {
		return 0, err
	}
	if wait == 0 {
		return 0, nil
	}

	rl.mu.RLock()
	hook := rl.onWait
	rl.mu.RUnlock()
	if hook != nil {
		hook(wait)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return wait, nil
	case <-ctx.Done():
		r.CancelAt(rl.now())
		return 0, ctx.Err()
	}
}

// reserve books n tokens at now and reports how long the caller must wait.
func (rl *RateLimiter) reserve(now time.Time, n int) (*rate.Reservation, time.Duration, error) {
	if n > rl.cfg.Capacity {
		return nil, 0, fmt.Errorf("rate limiter: request for %d tokens exceeds capacity %d", n, rl.cfg.Capacity)
	}
	r := rl.bucket.ReserveN(now, n)
	if !r.OK() {
		return nil, 0, fmt.Errorf("rate limiter: cannot reserve %d tokens", n)
	}

	rl.mu.Lock()
	rl.lastRefill = now
	rl.mu.Unlock()

	return r, r.DelayFrom(now), nil
}

// TryAcquire takes n tokens only if they are available right now.
func (rl *RateLimiter) TryAcquire(n int) bool {
	return rl.tryAcquireAt(rl.now(), n)
}

func (rl *RateLimiter) tryAcquireAt(now time.Time, n int) bool {
	if n <= 0 {
		n = 1
	}
	if !rl.bucket.AllowN(now, n) {
		return false
	}
	rl.mu.Lock()
	rl.lastRefill = now
	rl.mu.Unlock()
	return true
}

// State returns the bucket as seen now.
func (rl *RateLimiter) State() RateLimiterState {
	now := rl.now()
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	used := rl.usedWeight
	if now.Sub(rl.weightAt) >= time.Minute {
		used = 0
	}
	return RateLimiterState{
		AvailableTokens: rl.bucket.TokensAt(now),
		LastRefill:      rl.lastRefill,
		Capacity:        rl.cfg.Capacity,
		RefillRate:      rl.cfg.RefillRate,
		UsedWeight:      used,
		WeightLimit:     rl.cfg.WeightLimit,
	}
}

// ObserveUsedWeight records the exchange-reported weight header.
func (rl *RateLimiter) ObserveUsedWeight(headerValue string) {
	if headerValue == "" || rl.cfg.WeightLimit <= 0 {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	rl.usedWeight = weight
	rl.weightAt = rl.now()
	rl.mu.Unlock()

	percentage := float64(weight) / float64(rl.cfg.WeightLimit) * 100
	if percentage >= 95 {
		log.Printf("[ratelimit] critical: %d/%d (%.1f%%) - approaching ban threshold", weight, rl.cfg.WeightLimit, percentage)
	} else if percentage >= 80 {
		log.Printf("[ratelimit] warning: %d/%d (%.1f%%)", weight, rl.cfg.WeightLimit, percentage)
	}
}
