// Package workerpool provides the bounded worker pool that runs
// automation handlers and other blocking work for the engine.
//
// The pool is a shared resource across all concurrent workflow instances;
// no per-tenant fairness is enforced.
package workerpool

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("workerpool: pool is closed")

// Task is a unit of work executed on a pool worker.
type Task func(ctx context.Context) (map[string]any, error)

// Result is the outcome of one Task.
type Result struct {
	Value map[string]any
	Err   error
}

type submission struct {
	ctx    context.Context
	task   Task
	result chan Result
}

// Pool runs submitted tasks on a fixed number of worker goroutines.
type Pool struct {
	tasks chan submission

	// mu serializes Close against in-flight Submits: Submit holds the
	// read side while sending so Close cannot close the channel under it.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Pool with the given number of workers and queue depth.
// Values <= 0 fall back to 1 worker / an unbuffered queue.
func New(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}

	p := &Pool{tasks: make(chan submission, queueDepth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for sub := range p.tasks {
		// A caller that gave up on this task has already stopped reading;
		// the buffered channel keeps the send from blocking the worker.
		value, err := sub.task(sub.ctx)
		sub.result <- Result{Value: value, Err: err}
	}
}

// Submit queues task for execution and returns a channel that receives
// exactly one Result. The task runs with the given context; Submit itself
// blocks only while the queue is full.
//
// A caller that stops waiting (timeout) may abandon the channel; the
// worker completes the task regardless and is then freed for new work.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	sub := submission{ctx: ctx, task: task, result: make(chan Result, 1)}
	select {
	case p.tasks <- sub:
		return sub.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new tasks and waits for in-flight tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.tasks)
	p.wg.Wait()
}
