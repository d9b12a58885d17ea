// ABOUTME: Fixed-size worker pool with a bounded queue for conversation side-effects.
// ABOUTME: A full pool rejects; the documented degrade is synchronous execution on the caller.

package worker

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolFull indicates the bounded queue had no room for the task.
var ErrPoolFull = errors.New("worker pool full")

// ErrPoolClosed indicates the pool has been shut down.
var ErrPoolClosed = errors.New("worker pool closed")

// Task is one unit of conversation-processing work.
type Task func()

// Pool runs tasks on a fixed set of workers over a bounded queue. There is
// no unbounded buffering: when the queue is full, submission fails
// explicitly and the caller decides how to degrade.
type Pool struct {
	tasks  chan Task
	logger *slog.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewPool starts size workers over a queue of queueLen pending tasks.
func NewPool(size, queueLen int, logger *slog.Logger) *Pool {
	p := &Pool{
		tasks:  make(chan Task, queueLen),
		logger: logger.With("component", "worker"),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Submit queues a task. Returns ErrPoolFull when the queue has no room and
// ErrPoolClosed after Close.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// SubmitOrRun queues the task, and on a full queue runs it synchronously on
// the calling goroutine instead. This trades the caller's latency for
// correctness under overload; nothing is silently dropped.
func (p *Pool) SubmitOrRun(task Task) {
	err := p.Submit(task)
	if err == nil {
		return
	}
	if errors.Is(err, ErrPoolFull) {
		p.logger.Warn("worker pool full, running task on caller")
	}
	p.safeRun(task)
}

// Close stops accepting tasks and waits for queued work to drain.
// Safe to call multiple times.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.safeRun(task)
	}
}

// safeRun executes a task with a panic boundary so one bad task cannot take
// down a worker or the caller.
func (p *Pool) safeRun(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
}
