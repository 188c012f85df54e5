package unirun

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is the threads backend: a fixed number of worker goroutines draining
// a task queue. With [WithPinnedWorkers] every worker is locked to its own
// OS thread for its whole lifetime.
type Pool struct {
	tasks  chan job
	wg     sync.WaitGroup
	closed atomic.Bool
	mu     sync.RWMutex // guards the send/close race on tasks

	// Read by Stats.
	submitted atomic.Int64
	completed atomic.Int64
	errored   atomic.Int64
	inFlight  atomic.Int64
	workers   int
	pinned    bool
}

type job struct {
	ctx  context.Context
	task Task
	fut  *Future
}

// PoolStats is a snapshot of a backend's task counters. Both the threads
// and the processes backends report it.
type PoolStats struct {
	Submitted  int64 `json:"submitted" yaml:"submitted" toml:"submitted"`       // total tasks submitted
	Completed  int64 `json:"completed" yaml:"completed" toml:"completed"`       // tasks finished (success + error)
	Errored    int64 `json:"errored" yaml:"errored" toml:"errored"`             // tasks that returned non-nil error
	InFlight   int64 `json:"in_flight" yaml:"in_flight" toml:"in_flight"`       // tasks currently executing
	QueueDepth int   `json:"queue_depth" yaml:"queue_depth" toml:"queue_depth"` // tasks waiting in the queue
	Workers    int   `json:"workers" yaml:"workers" toml:"workers"`             // worker count (fixed at creation)
}

// PoolOption configures a [Pool].
type PoolOption func(*poolConfig)

type poolConfig struct {
	queueSize int
	pinned    bool
}

// WithQueueSize overrides the queue capacity, which defaults to twice the
// worker count.
func WithQueueSize(size int) PoolOption {
	return func(c *poolConfig) {
		if size < 0 {
			panic("unirun: WithQueueSize requires non-negative size")
		}
		c.queueSize = size
	}
}

// WithPinnedWorkers locks each worker goroutine to an OS thread.
func WithPinnedWorkers(pinned bool) PoolOption {
	return func(c *poolConfig) {
		c.pinned = pinned
	}
}

// NewPool creates a pool with n worker goroutines.
// Workers start immediately and process tasks until [Pool.Shutdown].
// Panics if n <= 0.
func NewPool(n int, opts ...PoolOption) *Pool {
	if n <= 0 {
		panic("unirun: NewPool requires n > 0")
	}

	cfg := poolConfig{queueSize: n * 2}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Pool{
		tasks:   make(chan job, cfg.queueSize),
		workers: n,
		pinned:  cfg.pinned,
	}

	p.wg.Add(n)
	for range n {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	if p.pinned {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for j := range p.tasks {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.completed.Add(1)
	}()

	v, err := callTask(j.ctx, j.task)
	if err != nil {
		p.errored.Add(1)
	}
	j.fut.resolve(v, err)
}

// Stats snapshots the pool counters. The fields are read independently, so
// a snapshot taken while tasks run may be slightly inconsistent.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Errored:    p.errored.Load(),
		InFlight:   p.inFlight.Load(),
		QueueDepth: len(p.tasks),
		Workers:    p.workers,
	}
}

// Workers returns the fixed worker count.
func (p *Pool) Workers() int { return p.workers }

// Submit queues a task. It blocks if the queue is full.
// Returns [ErrPoolClosed] if the pool has been shut down and ctx.Err() if
// ctx is done before the task is queued.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	fut := newResult[any]()
	select {
	case p.tasks <- job{ctx: ctx, task: task, fut: fut}:
		p.submitted.Add(1)
		return fut, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TrySubmit attempts to queue a task without blocking.
// Returns false if the queue is full or the pool is shut down.
func (p *Pool) TrySubmit(ctx context.Context, task Task) (*Future, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return nil, false
	}

	fut := newResult[any]()
	select {
	case p.tasks <- job{ctx: ctx, task: task, fut: fut}:
		p.submitted.Add(1)
		return fut, true
	default:
		return nil, false
	}
}

// Shutdown stops accepting new tasks. Queued tasks still run. With wait set
// it blocks until the workers have drained the queue.
// Safe to call multiple times.
func (p *Pool) Shutdown(wait bool) error {
	if p.closed.CompareAndSwap(false, true) {
		// Wait for Submit calls that passed the closed check.
		p.mu.Lock()
		close(p.tasks)
		p.mu.Unlock()
	}
	if wait {
		p.wg.Wait()
	}
	return nil
}
