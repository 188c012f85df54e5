package unirun

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// IsolatedPool is the isolated backend. Every task runs on a fresh
// goroutine locked to an OS thread that is never unlocked, so the runtime
// destroys the thread when the task returns and no thread-local state
// survives from one task to the next. At most n tasks run at once.
type IsolatedPool struct {
	group  errgroup.Group
	admit  *slots
	closed atomic.Bool
	mu     sync.RWMutex
	size   int
}

// NewIsolatedPool returns an isolated backend running at most n tasks at
// once. Panics if n <= 0.
func NewIsolatedPool(n int) *IsolatedPool {
	if n <= 0 {
		panic("unirun: NewIsolatedPool requires n > 0")
	}
	return &IsolatedPool{admit: newSlots(n), size: n}
}

// Workers returns the concurrency limit.
func (p *IsolatedPool) Workers() int { return p.size }

// Running returns the number of tasks currently executing.
func (p *IsolatedPool) Running() int { return p.admit.inUse() }

// Submit waits for a free slot, then starts task on its own OS thread.
func (p *IsolatedPool) Submit(ctx context.Context, task Task) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := p.admit.acquire(ctx); err != nil {
		return nil, err
	}

	fut := newResult[any]()
	p.group.Go(func() error {
		defer p.admit.release()
		// No UnlockOSThread: the thread exits with this goroutine.
		runtime.LockOSThread()
		v, err := callTask(ctx, task)
		fut.resolve(v, err)
		return nil
	})
	return fut, nil
}

// Shutdown stops admitting tasks. With wait set it blocks until running
// tasks have returned.
func (p *IsolatedPool) Shutdown(wait bool) error {
	p.mu.Lock()
	p.closed.Store(true)
	p.mu.Unlock()
	if wait {
		return p.group.Wait()
	}
	return nil
}
