// ABOUTME: Tests for the per-conversation sequence allocator
// ABOUTME: Verifies monotonicity, isolation between conversations, and error propagation

package conversation

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSequencer(t *testing.T) (*Sequencer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewSequencer(rdb), mr
}

func TestSequencer_Monotonic(t *testing.T) {
	s, _ := newTestSequencer(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := s.Next(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSequencer_IndependentPerConversation(t *testing.T) {
	s, _ := newTestSequencer(t)
	ctx := context.Background()

	a, err := s.Next(ctx, "conv-1")
	require.NoError(t, err)
	b, err := s.Next(ctx, "conv-2")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(1), b)
}

func TestSequencer_Current(t *testing.T) {
	s, _ := newTestSequencer(t)
	ctx := context.Background()

	seq, err := s.Current(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	_, err = s.Next(ctx, "conv-1")
	require.NoError(t, err)
	_, err = s.Next(ctx, "conv-1")
	require.NoError(t, err)

	seq, err = s.Current(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestSequencer_ConcurrentAllocationsUnique(t *testing.T) {
	s, _ := newTestSequencer(t)
	ctx := context.Background()

	const n = 30
	seqs := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.Next(ctx, "conv-1")
			assert.NoError(t, err)
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "duplicate sequence %d", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, n)
}

func TestSequencer_FailsClosedWhenRedisDown(t *testing.T) {
	s, mr := newTestSequencer(t)
	mr.Close()

	_, err := s.Next(context.Background(), "conv-1")
	assert.Error(t, err)
}
