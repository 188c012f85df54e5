package unirun

import (
	"context"
	"sync"
)

// Result holds the outcome of work that completes asynchronously. Every
// [Executor.Submit] returns one (as a [Future]); [RunAsync] returns a
// Result[struct{}] for the whole scoped block.
type Result[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// Future is the untyped Result returned by [Executor.Submit].
type Future = Result[any]

func newResult[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// resolve publishes the outcome. Only the first call has an effect.
func (r *Result[T]) resolve(v T, err error) {
	r.once.Do(func() {
		r.val = v
		r.err = err
		close(r.done)
	})
}

// Wait blocks until the work completes and returns its value and error.
func (r *Result[T]) Wait() (T, error) {
	<-r.done
	return r.val, r.err
}

// WaitContext is like Wait but gives up when ctx is done. Giving up does not
// cancel the work.
func (r *Result[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel that is closed when the work completes.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}
