package common

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(capacity int, refill float64, start time.Time) *RateLimiter {
	rl := NewRateLimiter(RateLimitConfig{Capacity: capacity, RefillRate: refill})
	rl.now = func() time.Time { return start }
	rl.lastRefill = start
	return rl
}

func TestRateLimiterNeverExceedsRefillMath(t *testing.T) {
	start := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	rl := newTestLimiter(10, 5, start)

	granted := 0
	for ms := 0; ms <= 4000; ms += 7 {
		now := start.Add(time.Duration(ms) * time.Millisecond)
		for rl.tryAcquireAt(now, 1) {
			granted++
		}
		elapsed := now.Sub(start).Seconds()
		allowed := 10 + int(math.Floor(elapsed*5))
		require.LessOrEqualf(t, granted, allowed, "at %dms granted %d > %d", ms, granted, allowed)
	}
	assert.GreaterOrEqual(t, granted, 10+19, "bucket should keep refilling")
}

func TestRateLimiterAcquireWaitsForDeficit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Capacity: 2, RefillRate: 50})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		wait, err := rl.Acquire(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, wait)
	}

	start := time.Now()
	wait, err := rl.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 25*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), wait-2*time.Millisecond)
}

func TestRateLimiterRejectsOversizedRequest(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Capacity: 5, RefillRate: 1})
	_, err := rl.Acquire(context.Background(), 6)
	assert.Error(t, err)
}

func TestRateLimiterCancelReturnsTokens(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Capacity: 1, RefillRate: 0.5})
	_, err := rl.Acquire(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = rl.Acquire(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled reservation is handed back, so the bucket is not pushed further into debt.
	assert.Greater(t, rl.State().AvailableTokens, -0.5)
}

func TestRateLimiterConcurrentAcquireDoesNotOvergrant(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Capacity: 20, RefillRate: 0.001})

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.TryAcquire(1) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), granted.Load())
}

func TestRateLimiterObserveUsedWeight(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())
	rl.ObserveUsedWeight("1150")
	st := rl.State()
	assert.Equal(t, 1150, st.UsedWeight)
	assert.Equal(t, 1200, st.WeightLimit)

	rl.ObserveUsedWeight("not-a-number")
	assert.Equal(t, 1150, rl.State().UsedWeight)
}

func TestRateLimitConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultRateLimitConfig().Validate())
	assert.Error(t, RateLimitConfig{Capacity: 0, RefillRate: 1}.Validate())
	assert.Error(t, RateLimitConfig{Capacity: 1, RefillRate: 0}.Validate())
}
