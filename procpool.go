package unirun

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
)

// ProcessPool is the processes backend. Go has no interpreter lock to
// escape, so the backend for CPU-bound work is a pool whose workers each own
// an OS thread for their whole lifetime, sized to the decision's worker
// count.
type ProcessPool struct {
	workers *pool.Pool
	queue   chan job
	closed  atomic.Bool
	mu      sync.RWMutex
	done    sync.Once
	size    int

	submitted atomic.Int64
	completed atomic.Int64
	errored   atomic.Int64
	busy      atomic.Int64
}

// NewProcessPool starts n pinned workers. Panics if n <= 0.
func NewProcessPool(n int) *ProcessPool {
	if n <= 0 {
		panic("unirun: NewProcessPool requires n > 0")
	}
	p := &ProcessPool{
		workers: pool.New().WithMaxGoroutines(n),
		queue:   make(chan job, n),
		size:    n,
	}
	for range n {
		p.workers.Go(p.work)
	}
	return p
}

func (p *ProcessPool) work() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for j := range p.queue {
		p.busy.Add(1)
		v, err := callTask(j.ctx, j.task)
		if err != nil {
			p.errored.Add(1)
		}
		p.busy.Add(-1)
		p.completed.Add(1)
		j.fut.resolve(v, err)
	}
}

// Stats reports the same counters as [Pool.Stats], so the processes backend
// can be observed alongside the threads one.
func (p *ProcessPool) Stats() PoolStats {
	return PoolStats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Errored:    p.errored.Load(),
		InFlight:   p.busy.Load(),
		QueueDepth: len(p.queue),
		Workers:    p.size,
	}
}

// Workers returns the number of pinned workers.
func (p *ProcessPool) Workers() int { return p.size }

// Submit queues task, blocking while every worker is busy and the queue is
// full.
func (p *ProcessPool) Submit(ctx context.Context, task Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	fut := newResult[any]()
	select {
	case p.queue <- job{ctx: ctx, task: task, fut: fut}:
		p.submitted.Add(1)
		return fut, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown closes the queue. With wait set it blocks until queued tasks
// have run.
func (p *ProcessPool) Shutdown(wait bool) error {
	if p.closed.CompareAndSwap(false, true) {
		p.mu.Lock()
		close(p.queue)
		p.mu.Unlock()
	}
	if wait {
		p.done.Do(p.workers.Wait)
	}
	return nil
}
