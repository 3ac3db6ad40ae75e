package engine

import (
	"context"
	"log"
	"time"
)

// DefaultRolloverCheck is how often the scheduler looks for a new UTC day.
const DefaultRolloverCheck = time.Minute

// Scheduler drives the daily rollover from a ticker. The clock can be an
// exchange-synchronized one so the day boundary follows server time.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	now      func() time.Time
}

// NewScheduler builds a scheduler; a nil clock uses the engine's.
func NewScheduler(e *Engine, interval time.Duration, now func() time.Time) *Scheduler {
	if interval <= 0 {
		interval = DefaultRolloverCheck
	}
	if now == nil {
		now = e.now
	}
	return &Scheduler{engine: e, interval: interval, now: now}
}

// Start runs an immediate check and then one per interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.engine.Rollover(ctx, s.now())

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Printf("[engine] rollover scheduler stopped")
				return
			case <-ticker.C:
				s.engine.Rollover(ctx, s.now())
			}
		}
	}()
}
