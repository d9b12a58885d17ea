// ABOUTME: Tests for the bounded worker pool
// ABOUTME: Covers execution, queue rejection, caller-runs degrade, and panic isolation

package worker

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(size, queueLen int) *Pool {
	return NewPool(size, queueLen, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := newTestPool(2, 8)
	defer p.Close()

	var counter atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			counter.Add(1)
		}))
	}
	wg.Wait()

	assert.Equal(t, int64(10), counter.Load())
}

func TestPool_RejectsWhenFull(t *testing.T) {
	p := newTestPool(1, 1)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})

	// Occupy the single worker, then fill the single queue slot.
	require.NoError(t, p.Submit(func() {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, p.Submit(func() {}))

	err := p.Submit(func() {})
	assert.ErrorIs(t, err, ErrPoolFull)

	close(block)
}

func TestPool_SubmitOrRunDegradesToCaller(t *testing.T) {
	p := newTestPool(1, 1)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, p.Submit(func() {}))

	// Pool is saturated; the task still runs, synchronously on this goroutine.
	ran := false
	p.SubmitOrRun(func() { ran = true })
	assert.True(t, ran)

	close(block)
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := newTestPool(1, 1)
	p.Close()

	err := p.Submit(func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_CloseDrainsQueuedTasks(t *testing.T) {
	p := newTestPool(1, 8)

	var counter atomic.Int64
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(func() { counter.Add(1) }))
	}
	p.Close()

	assert.Equal(t, int64(5), counter.Load())

	// Close is idempotent.
	p.Close()
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := newTestPool(1, 8)
	defer p.Close()

	require.NoError(t, p.Submit(func() { panic("bad task") }))

	done := make(chan struct{})
	require.Eventually(t, func() bool {
		err := p.Submit(func() { close(done) })
		return err == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}
