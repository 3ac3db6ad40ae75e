package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedCache maps symbols to float64 values with their update time.
// Keys are spread over independent shards so concurrent symbols do not
// contend on one lock.
type ShardedCache struct {
	shards [numShards]*shard
	now    func() time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value     float64
	updatedAt time.Time
}

// New creates an empty cache. now may be nil.
func New(now func() time.Time) *ShardedCache {
	if now == nil {
		now = time.Now
	}
	c := &ShardedCache{now: now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func (c *ShardedCache) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores value for key.
func (c *ShardedCache) Set(key string, value float64) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry{value: value, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get retrieves a value regardless of its age.
func (c *ShardedCache) Get(key string) (float64, bool) {
	v, _, ok := c.GetWithAge(key)
	return v, ok
}

// GetWithAge retrieves a value and how long ago it was set.
func (c *ShardedCache) GetWithAge(key string) (float64, time.Duration, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return e.value, c.now().Sub(e.updatedAt), true
}

// GetFresh returns the value only if it is younger than maxAge.
func (c *ShardedCache) GetFresh(key string, maxAge time.Duration) (float64, bool) {
	v, age, ok := c.GetWithAge(key)
	if !ok || age >= maxAge {
		return 0, false
	}
	return v, true
}

// Delete removes key.
func (c *ShardedCache) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge and returns how many went.
func (c *ShardedCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot returns all cached values.
func (c *ShardedCache) Snapshot() map[string]float64 {
	result := make(map[string]float64)
	for _, s := range c.shards {
		s.mu.RLock()
		for k, e := range s.items {
			result[k] = e.value
		}
		s.mu.RUnlock()
	}
	return result
}
