package common

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig parameterizes a RetryPolicy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	JitterFraction float64       `yaml:"jitter_fraction"`
}

// DefaultRetryConfig returns 3 attempts, 200ms base, 5s cap, ±20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		JitterFraction: 0.2,
	}
}

// Validate rejects out-of-range values instead of clamping them.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be > 0, got %s", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("retry.max_delay (%s) must be >= base_delay (%s)", c.MaxDelay, c.BaseDelay)
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		return fmt.Errorf("retry.jitter_fraction must be in [0,1), got %v", c.JitterFraction)
	}
	return nil
}

// Rand is the random source used for jitter and fill decisions.
type Rand interface {
	Float64() float64
}

// LockedRand makes a *rand.Rand safe for concurrent callers.
type LockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewLockedRand seeds a concurrency-safe random source.
func NewLockedRand(seed int64) *LockedRand {
	return &LockedRand{rng: rand.New(rand.NewSource(seed))}
}

func (r *LockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the production SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryPolicy wraps one outbound call with bounded, jittered exponential backoff.
type RetryPolicy struct {
	cfg     RetryConfig
	rng     Rand
	sleep   SleepFunc
	onRetry func(attempt int, delay time.Duration, err error)
}

// RetryOption customizes a RetryPolicy.
type RetryOption func(*RetryPolicy)

// WithRand injects the jitter source.
func WithRand(r Rand) RetryOption { return func(p *RetryPolicy) { p.rng = r } }

// WithSleep injects the backoff sleeper.
func WithSleep(s SleepFunc) RetryOption { return func(p *RetryPolicy) { p.sleep = s } }

// WithRetryHook is called before every backoff sleep.
func WithRetryHook(fn func(attempt int, delay time.Duration, err error)) RetryOption {
	return func(p *RetryPolicy) { p.onRetry = fn }
}

// NewRetryPolicy builds a policy; cfg must already be validated.
func NewRetryPolicy(cfg RetryConfig, opts ...RetryOption) *RetryPolicy {
	p := &RetryPolicy{
		cfg:   cfg,
		rng:   NewLockedRand(time.Now().UnixNano()),
		sleep: SleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the policy parameters.
func (p *RetryPolicy) Config() RetryConfig { return p.cfg }

// Delay returns the backoff before retry number n (n=0 is the first retry):
// base*2^n scaled by a uniform factor in [1-jitter, 1+jitter], capped at MaxDelay.
func (p *RetryPolicy) Delay(n int) time.Duration {
	nominal := float64(p.cfg.BaseDelay) * math.Pow(2, float64(n))
	jitter := 1 + p.cfg.JitterFraction*(2*p.rng.Float64()-1)
	d := nominal * jitter
	if d > float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Execute runs op until it succeeds, fails permanently, or MaxAttempts is used up.
// The last error is returned unmodified.
func (p *RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if Classify(err) != FailureRetryable {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt == p.cfg.MaxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.onRetry != nil {
			p.onRetry(attempt+1, delay, err)
		}
		log.Printf("[retry] attempt %d/%d failed: %v (retrying in %s)", attempt+1, p.cfg.MaxAttempts, err, delay)
		if serr := p.sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}
