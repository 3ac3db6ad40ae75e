package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// ServerTimeFunc returns the exchange clock in milliseconds.
type ServerTimeFunc func(ctx context.Context) (int64, error)

// TimeSync keeps the offset between the local clock and the exchange clock.
// Signal staleness is judged against Now so a drifting host clock cannot let
// stale signals through.
type TimeSync struct {
	getServerTime ServerTimeFunc
	local         func() time.Time
	offset        time.Duration // server - local
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
}

// NewTimeSync creates a new time synchronization manager.
func NewTimeSync(getServerTime ServerTimeFunc, interval time.Duration) *TimeSync {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &TimeSync{
		getServerTime: getServerTime,
		local:         time.Now,
		syncInterval:  interval,
	}
}

// Start syncs once and then periodically until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		log.Printf("[timesync] initial sync failed: %v", err)
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					log.Printf("[timesync] sync failed: %v", err)
				}
			}
		}
	}()
}

// Sync synchronizes with server time.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := ts.local()
	serverMs, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	after := ts.local()

	// Assume network latency is symmetric
	mid := before.Add(after.Sub(before) / 2)
	offset := time.UnixMilli(serverMs).Sub(mid)

	ts.mu.Lock()
	ts.offset = offset
	ts.lastSync = after
	ts.mu.Unlock()

	log.Printf("[timesync] offset=%s", offset)
	return nil
}

// Now returns the local time adjusted by the last known server offset.
func (ts *TimeSync) Now() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.local().Add(ts.offset).UTC()
}

// Offset returns the current server - local offset.
func (ts *TimeSync) Offset() time.Duration {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
