// ABOUTME: Thread-safe TTL cache of completed submission results.
// ABOUTME: Local fast path in front of the distributed claim store.

package idempotency

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores a completed result with its timestamp and list element.
type cacheEntry struct {
	seq       int64
	timestamp time.Time
	element   *list.Element
}

// resultCache is a thread-safe, TTL-based, size-limited cache mapping a
// claim key to the server sequence number its submission produced. A hit
// answers a retried duplicate without touching the shared store.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type resultCache struct {
	mu      sync.RWMutex
	results map[string]*cacheEntry
	order   *list.List // List of keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// newResultCache creates a result cache with the specified TTL and maximum
// size. A background goroutine periodically cleans up expired entries.
func newResultCache(ttl time.Duration, maxSize int) *resultCache {
	c := &resultCache{
		results: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Lookup returns the cached result for a key, if present and not expired.
func (c *resultCache) Lookup(key string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.results[key]
	if !ok {
		return 0, false
	}
	if time.Since(entry.timestamp) >= c.ttl {
		return 0, false
	}
	return entry.seq, true
}

// Store records a completed result. If the cache is at capacity, the oldest
// entry is evicted to make room.
func (c *resultCache) Store(key string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// If key already exists, update result and move to back
	if entry, exists := c.results[key]; exists {
		entry.seq = seq
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	// Evict oldest if at capacity
	if len(c.results) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.results[key] = &cacheEntry{
		seq:       seq,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *resultCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.results, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *resultCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *resultCache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.results {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.results, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *resultCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
