package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestFreshnessAndCleanup(t *testing.T) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(clock.Now)

	c.Set("BTCUSDT", 2000)
	clock.Advance(30 * time.Minute)
	c.Set("ETHUSDT", 500)

	if v, ok := c.GetFresh("BTCUSDT", time.Hour); !ok || v != 2000 {
		t.Fatalf("BTCUSDT should be fresh, got %v %v", v, ok)
	}
	clock.Advance(45 * time.Minute)
	if _, ok := c.GetFresh("BTCUSDT", time.Hour); ok {
		t.Fatal("BTCUSDT should be stale after 75 minutes")
	}
	if v, ok := c.Get("BTCUSDT"); !ok || v != 2000 {
		t.Fatalf("Get ignores age, got %v %v", v, ok)
	}
	if _, age, _ := c.GetWithAge("ETHUSDT"); age != 45*time.Minute {
		t.Fatalf("unexpected age %s", age)
	}

	if removed := c.Cleanup(time.Hour); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 left, got %d", c.Len())
	}
	c.Delete("ETHUSDT")
	if len(c.Snapshot()) != 0 {
		t.Fatal("cache should be empty")
	}
}

func TestConcurrentWriters(t *testing.T) {
	c := New(nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Set(fmt.Sprintf("SYM%d", i), float64(w))
			}
		}(w)
	}
	wg.Wait()
	if c.Len() != 100 {
		t.Fatalf("expected 100 keys, got %d", c.Len())
	}
}
