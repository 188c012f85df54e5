package unirun

import (
	"context"
	"sync/atomic"
)

// slots is a context-aware counting semaphore that admits tasks into the
// isolated backend.
type slots struct {
	ch   chan struct{}
	held atomic.Int64
}

func newSlots(n int) *slots {
	if n <= 0 {
		panic("unirun: slots requires n > 0")
	}
	return &slots{ch: make(chan struct{}, n)}
}

// acquire blocks until a slot is free or ctx is done.
func (s *slots) acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		s.held.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees a slot. Panics if more slots are released than acquired.
func (s *slots) release() {
	if s.held.Add(-1) < 0 {
		s.held.Add(1)
		panic("unirun: slot released without matching acquire")
	}
	<-s.ch
}

// inUse returns the number of held slots. The value may be stale.
func (s *slots) inUse() int {
	return len(s.ch)
}
