package common

import (
	"context"
	"fmt"
	"time"
)

// DefaultCallTimeout bounds every single outbound exchange call.
const DefaultCallTimeout = 30 * time.Second

// CallGuard composes the rate limiter and the retry policy around raw exchange calls.
type CallGuard struct {
	Limiter *RateLimiter
	Retry   *RetryPolicy
	Timeout time.Duration
}

// NewCallGuard wires a limiter and retry policy with the default hard timeout.
func NewCallGuard(limiter *RateLimiter, retry *RetryPolicy) *CallGuard {
	return &CallGuard{Limiter: limiter, Retry: retry, Timeout: DefaultCallTimeout}
}

// Do runs op under the guard. Each attempt first takes weight tokens and runs
// with its own hard timeout. Anything that does not eventually succeed is
// returned wrapped in ErrPermanentFailure.
func (g *CallGuard) Do(ctx context.Context, weight int, op func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		if g.Limiter != nil {
			if _, err := g.Limiter.Acquire(ctx, weight); err != nil {
				return err
			}
		}
		timeout := g.Timeout
		if timeout <= 0 {
			timeout = DefaultCallTimeout
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return op(callCtx)
	}

	var err error
	if g.Retry != nil {
		err = g.Retry.Execute(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermanentFailure, err)
	}
	return nil
}
