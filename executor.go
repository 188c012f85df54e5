package unirun

import (
	"context"
	"fmt"
)

// Task is one unit of work submitted to a backend. The context is the one
// passed to Submit; backends skip tasks whose context is already done.
type Task func(ctx context.Context) (any, error)

// Executor is the capability every backend exposes. The scheduler only
// selects, caches and tears down executors; how an executor runs its tasks
// is its own business.
type Executor interface {
	// Submit schedules task and returns a Future for its outcome. It may
	// block while the backend is saturated, and returns ctx.Err() if ctx is
	// done first.
	Submit(ctx context.Context, task Task) (*Future, error)

	// Shutdown stops accepting tasks. With wait set it blocks until every
	// accepted task has finished. Shutdown is idempotent.
	Shutdown(wait bool) error
}

// Factory constructs the backend for a decision. A returned error is
// reported to the caller as a [*BackendError].
type Factory func(d Decision) (Executor, error)

// Worker ceilings for the built-in backends. Backends that hold an OS
// thread per worker stay well under the runtime's default thread limit
// (see runtime/debug.SetMaxThreads).
const (
	maxWorkers       = 1 << 16
	maxPinnedWorkers = 4096
)

// defaultFactories maps each pooled kind to its built-in backend.
func defaultFactories() map[Kind]Factory {
	return map[Kind]Factory{
		KindThreads: func(d Decision) (Executor, error) {
			pinned := d.ThreadMode == ThreadModeParallel
			limit := maxWorkers
			if pinned {
				limit = maxPinnedWorkers
			}
			if err := checkWorkers(d.Workers, limit); err != nil {
				return nil, err
			}
			return NewPool(d.Workers, WithPinnedWorkers(pinned)), nil
		},
		KindProcesses: func(d Decision) (Executor, error) {
			if err := checkWorkers(d.Workers, maxPinnedWorkers); err != nil {
				return nil, err
			}
			return NewProcessPool(d.Workers), nil
		},
		KindIsolated: func(d Decision) (Executor, error) {
			if err := checkWorkers(d.Workers, maxPinnedWorkers); err != nil {
				return nil, err
			}
			return NewIsolatedPool(d.Workers), nil
		},
		KindShared: func(d Decision) (Executor, error) {
			if err := checkWorkers(d.Workers, maxWorkers); err != nil {
				return nil, err
			}
			return NewPool(d.Workers), nil
		},
	}
}

func checkWorkers(n, limit int) error {
	if n > limit {
		return fmt.Errorf("%d workers exceeds the backend limit of %d", n, limit)
	}
	return nil
}

func missingFactory(k Kind) Factory {
	return func(Decision) (Executor, error) {
		return nil, fmt.Errorf("no factory registered for %s", k)
	}
}
