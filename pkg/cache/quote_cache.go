// Package cache provides a sharded string-keyed TTL cache. Its main user is
// the quote layer: workers and the monitor all poll ticks every cycle, and
// serving a fresh-enough cached value keeps those reads off the serialized
// terminal connection.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Sharded is a concurrency-friendly map split across fnv-hashed shards so
// hot symbols on different shards never contend.
type Sharded[T any] struct {
	shards [numShards]*shard[T]
}

type shard[T any] struct {
	mu    sync.RWMutex
	items map[string]entry[T]
}

type entry[T any] struct {
	value     T
	updatedAt time.Time
}

func NewSharded[T any]() *Sharded[T] {
	c := &Sharded[T]{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[T]{items: make(map[string]entry[T])}
	}
	return c
}

func (c *Sharded[T]) getShard(key string) *shard[T] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the latest value for a key.
func (c *Sharded[T]) Set(key string, value T) {
	sh := c.getShard(key)
	sh.mu.Lock()
	sh.items[key] = entry[T]{value: value, updatedAt: time.Now()}
	sh.mu.Unlock()
}

// Get returns the cached value if present and no older than maxAge.
// maxAge <= 0 accepts any age.
func (c *Sharded[T]) Get(key string, maxAge time.Duration) (T, bool) {
	var zero T
	sh := c.getShard(key)
	sh.mu.RLock()
	e, ok := sh.items[key]
	sh.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if maxAge > 0 && time.Since(e.updatedAt) > maxAge {
		return zero, false
	}
	return e.value, true
}

// Delete removes a key.
func (c *Sharded[T]) Delete(key string) {
	sh := c.getShard(key)
	sh.mu.Lock()
	delete(sh.items, key)
	sh.mu.Unlock()
}

// Len returns the total number of cached keys.
func (c *Sharded[T]) Len() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		total += len(sh.items)
		sh.mu.RUnlock()
	}
	return total
}

// Cleanup drops entries older than maxAge and reports how many were removed.
func (c *Sharded[T]) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, sh := range c.shards {
		sh.mu.Lock()
		for key, e := range sh.items {
			if e.updatedAt.Before(cutoff) {
				delete(sh.items, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
