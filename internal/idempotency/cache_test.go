// ABOUTME: Tests for the local result cache
// ABOUTME: Covers lookup/store, TTL expiry, capacity eviction, and concurrent access

package idempotency

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResultCache_LookupMiss(t *testing.T) {
	c := newResultCache(time.Minute, 10)
	defer c.Close()

	_, ok := c.Lookup("conv-1:msg-1")
	assert.False(t, ok)
}

func TestResultCache_StoreAndLookup(t *testing.T) {
	c := newResultCache(time.Minute, 10)
	defer c.Close()

	c.Store("conv-1:msg-1", 42)

	seq, ok := c.Lookup("conv-1:msg-1")
	assert.True(t, ok)
	assert.Equal(t, int64(42), seq)
}

func TestResultCache_Expiry(t *testing.T) {
	c := newResultCache(10*time.Millisecond, 10)
	defer c.Close()

	c.Store("conv-1:msg-1", 42)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Lookup("conv-1:msg-1")
	assert.False(t, ok)
}

func TestResultCache_UpdateExistingKey(t *testing.T) {
	c := newResultCache(time.Minute, 10)
	defer c.Close()

	c.Store("conv-1:msg-1", 1)
	c.Store("conv-1:msg-1", 2)

	seq, ok := c.Lookup("conv-1:msg-1")
	assert.True(t, ok)
	assert.Equal(t, int64(2), seq)
}

func TestResultCache_EvictsOldestAtCapacity(t *testing.T) {
	c := newResultCache(time.Minute, 3)
	defer c.Close()

	c.Store("k1", 1)
	c.Store("k2", 2)
	c.Store("k3", 3)
	c.Store("k4", 4)

	_, ok := c.Lookup("k1")
	assert.False(t, ok, "oldest entry should be evicted")

	for i, key := range []string{"k2", "k3", "k4"} {
		seq, ok := c.Lookup(key)
		assert.True(t, ok)
		assert.Equal(t, int64(i+2), seq)
	}
}

func TestResultCache_ConcurrentAccess(t *testing.T) {
	c := newResultCache(time.Minute, 100)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n)
			c.Store(key, int64(n))
			c.Lookup(key)
		}(i)
	}
	wg.Wait()

	seq, ok := c.Lookup("key-25")
	assert.True(t, ok)
	assert.Equal(t, int64(25), seq)
}

func TestResultCache_CloseIsIdempotent(t *testing.T) {
	c := newResultCache(time.Minute, 10)
	c.Close()
	c.Close()
}
