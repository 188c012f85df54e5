package unirun

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Runtime is the process-wide scheduler state: the capability probe, the
// environment policy, the backend registry and the trace bus. Most programs
// use the lazily created [Default] runtime through the package-level
// functions; tests build their own with [New] and tear it down with
// [Runtime.Close].
type Runtime struct {
	probe    *Probe
	policy   atomic.Pointer[Policy]
	registry *Registry
	bus      *Bus
	logger   *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New returns a runtime configured by opts.
func New(opts ...RuntimeOption) *Runtime {
	var cfg runtimeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	rt := &Runtime{
		probe:    NewProbe(cfg.probe),
		registry: NewRegistry(cfg.factories, cfg.logger),
		bus:      NewBus(cfg.logger),
		logger:   cfg.logger,
	}
	rt.policy.Store(&cfg.policy)
	return rt
}

// Acquire enters a scope. The returned scope must be released; prefer
// [Runtime.Run] where the work fits in one function.
//
// The only error Acquire returns for a well-formed request is a
// [*BackendError]: capability gaps fall back to threads and conflicting
// overrides are reconciled, both visible only in the decision.
func (rt *Runtime) Acquire(ctx context.Context, opts ...Option) (*Scope, error) {
	return rt.enter(ctx, opts)
}

// Run acquires a scope, calls fn with the scope's context, and releases
// the scope when fn returns or panics. The release waits for every task
// submitted through the scope.
func (rt *Runtime) Run(ctx context.Context, fn func(ctx context.Context, sc *Scope) error, opts ...Option) (err error) {
	sc, err := rt.enter(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		runPanic := recover()
		relErr := sc.Release()
		if runPanic != nil {
			panic(runPanic)
		}
		err = errors.Join(err, relErr)
	}()

	return fn(sc.Context(), sc)
}

// RunAsync is Run on its own goroutine. The release waits for pending tasks
// only until ctx is done. A panic in fn is reported as a [*PanicError].
func (rt *Runtime) RunAsync(ctx context.Context, fn func(ctx context.Context, sc *Scope) error, opts ...Option) *Result[struct{}] {
	res := newResult[struct{}]()
	go func() {
		sc, err := rt.enter(ctx, opts)
		if err != nil {
			res.resolve(struct{}{}, err)
			return
		}
		var runErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					runErr = &PanicError{Value: r, Stack: stack()}
				}
			}()
			runErr = fn(sc.Context(), sc)
		}()
		res.resolve(struct{}{}, errors.Join(runErr, sc.ReleaseContext(ctx)))
	}()
	return res
}

// Capabilities returns the cached capability snapshot.
func (rt *Runtime) Capabilities() Capabilities { return rt.probe.Snapshot() }

// Policy returns the current environment policy.
func (rt *Runtime) Policy() Policy { return *rt.policy.Load() }

// SetPolicy replaces the environment policy for later acquisitions.
func (rt *Runtime) SetPolicy(p Policy) {
	rt.policy.Store(&p)
	rt.logger.Debug("policy updated",
		"thread_mode", p.ThreadMode.String(),
		"force_threads", p.ForceThreads,
		"force_processes", p.ForceProcesses,
		"compat_mode", p.CompatMode,
		"max_workers", p.MaxWorkers,
		"prefers_isolated", p.PrefersIsolated)
}

// Registry exposes the backend cache for introspection.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// AddListener registers a global decision listener.
func (rt *Runtime) AddListener(fn Listener) ListenerID { return rt.bus.AddListener(fn) }

// RemoveListener unregisters a listener.
func (rt *Runtime) RemoveListener(id ListenerID) bool { return rt.bus.RemoveListener(id) }

// LastDecision returns the most recent decision published by rt.
func (rt *Runtime) LastDecision() (Decision, bool) { return rt.bus.Last() }

// Reset tears down every pooled backend, clears the capability cache and
// forgets the last decision. Listeners stay registered. The runtime remains
// usable: the next acquisition re-probes and constructs fresh backends.
func (rt *Runtime) Reset() error {
	err := rt.registry.ResetAll()
	rt.probe.Invalidate()
	rt.bus.clearLast()
	rt.logger.Debug("runtime reset")
	return err
}

// Close is the exit hook: it tears down every backend once and makes later
// acquisitions fail with [ErrClosed].
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		rt.closed.Store(true)
		rt.closeErr = rt.registry.Close()
		rt.logger.Debug("runtime closed")
	})
	return rt.closeErr
}

var (
	defaultMu sync.Mutex
	defaultRT *Runtime
)

// Default returns the process-wide runtime, creating it on first use with
// the policy read from UNIRUN_* environment variables.
func Default() *Runtime {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultRT == nil {
		p, err := LoadPolicy(nil)
		rt := New(WithPolicy(p))
		if err != nil {
			rt.logger.Warn("ignoring invalid environment policy", "error", err)
		}
		defaultRT = rt
	}
	return defaultRT
}

// SetDefault installs rt as the process-wide runtime and returns the
// previous one, which the caller is responsible for closing.
func SetDefault(rt *Runtime) *Runtime {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	prev := defaultRT
	defaultRT = rt
	return prev
}

// Acquire enters a scope on the default runtime.
func Acquire(ctx context.Context, opts ...Option) (*Scope, error) {
	return Default().Acquire(ctx, opts...)
}

// Run runs fn inside a scope on the default runtime.
//
//	err := unirun.Run(ctx, func(ctx context.Context, sc *unirun.Scope) error {
//	    fut, err := sc.Submit(ctx, work)
//	    ...
//	}, unirun.WithCPUBound())
func Run(ctx context.Context, fn func(ctx context.Context, sc *Scope) error, opts ...Option) error {
	return Default().Run(ctx, fn, opts...)
}

// RunAsync runs fn inside a scope on the default runtime, on its own
// goroutine.
func RunAsync(ctx context.Context, fn func(ctx context.Context, sc *Scope) error, opts ...Option) *Result[struct{}] {
	return Default().RunAsync(ctx, fn, opts...)
}

// Reset resets the default runtime.
func Reset() error { return Default().Reset() }

// Shutdown runs the default runtime's exit hook. Call it once, typically
// deferred in main.
func Shutdown() error { return Default().Close() }

// AddListener registers a listener on the default runtime.
func AddListener(fn Listener) ListenerID { return Default().AddListener(fn) }

// RemoveListener unregisters a listener from the default runtime.
func RemoveListener(id ListenerID) bool { return Default().RemoveListener(id) }

// LastDecision returns the most recent decision of the default runtime.
func LastDecision() (Decision, bool) { return Default().LastDecision() }
