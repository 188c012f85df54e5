package unirun

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"
)

// Fingerprint is the pool shape: the decision fields that determine
// whether two acquisitions may share one backend.
type Fingerprint struct {
	Kind       Kind       `json:"kind" yaml:"kind" toml:"kind"`
	Workers    int        `json:"workers" yaml:"workers" toml:"workers"`
	ThreadMode ThreadMode `json:"thread_mode" yaml:"thread_mode" toml:"thread_mode"`
	PoolName   string     `json:"pool_name,omitempty" yaml:"pool_name,omitempty" toml:"pool_name,omitempty"`
}

func (f Fingerprint) String() string {
	if f.Kind == KindShared {
		return f.Kind.String()
	}
	s := fmt.Sprintf("%s/%d/%s", f.Kind, f.Workers, f.ThreadMode)
	if f.PoolName != "" {
		s += "/" + f.PoolName
	}
	return s
}

// pooledBackend is one cache entry. refs counts live leases; an entry with
// zero refs stays warm until Reset or Close.
type pooledBackend struct {
	key  Fingerprint
	exec Executor
	refs int
}

// Lease is a borrowed reference to a pooled backend. Release it exactly
// once through [Registry.Release].
type Lease struct {
	backend  *pooledBackend
	released atomic.Bool
}

// Executor returns the leased backend.
func (l *Lease) Executor() Executor { return l.backend.exec }

// Fingerprint returns the shape the lease was acquired for.
func (l *Lease) Fingerprint() Fingerprint { return l.backend.key }

// BackendStats describes one live registry entry.
type BackendStats struct {
	Fingerprint Fingerprint `json:"fingerprint" yaml:"fingerprint" toml:"fingerprint"`
	Refs        int         `json:"refs" yaml:"refs" toml:"refs"`
}

// Registry caches live backends by fingerprint. At most one backend exists
// per fingerprint. A single mutex guards the cache; it is held for lookups,
// inserts and removals only, never while a task runs.
type Registry struct {
	mu        sync.Mutex
	entries   map[Fingerprint]*pooledBackend
	factories map[Kind]Factory
	closed    bool
	logger    *slog.Logger

	constructed atomic.Int64
}

// NewRegistry returns an empty registry. Kinds missing from factories use
// the built-in backends.
func NewRegistry(factories map[Kind]Factory, logger *slog.Logger) *Registry {
	fs := defaultFactories()
	for k, f := range factories {
		if f != nil {
			fs[k] = f
		}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		entries:   make(map[Fingerprint]*pooledBackend),
		factories: fs,
		logger:    logger,
	}
}

// Acquire returns a lease on the backend for d's fingerprint, constructing
// it on a miss. Construction failure, including a factory panic, is returned
// as a [*BackendError] and leaves the cache unchanged.
func (r *Registry) Acquire(d Decision) (*Lease, error) {
	if d.Kind == KindExternal {
		return nil, fmt.Errorf("unirun: external backends are not pooled")
	}
	fp := d.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if e, ok := r.entries[fp]; ok {
		e.refs++
		r.logger.Debug("backend reused", "fingerprint", fp.String(), "refs", e.refs)
		return &Lease{backend: e}, nil
	}

	factory, ok := r.factories[d.Kind]
	if !ok {
		factory = missingFactory(d.Kind)
	}
	var (
		exec Executor
		err  error
	)
	if rec := panics.Try(func() { exec, err = factory(d) }); rec != nil {
		exec, err = nil, newPanicError(rec)
	}
	if err == nil && exec == nil {
		err = errors.New("factory returned a nil executor")
	}
	if err != nil {
		r.logger.Error("backend construction failed", "fingerprint", fp.String(), "error", err)
		return nil, &BackendError{Kind: d.Kind, Fingerprint: fp, Err: err}
	}

	e := &pooledBackend{key: fp, exec: exec, refs: 1}
	r.entries[fp] = e
	r.constructed.Add(1)
	r.logger.Debug("backend created", "fingerprint", fp.String())
	return &Lease{backend: e}, nil
}

// live reports whether l still refers to the cached backend for its
// fingerprint, that is, no reset or close has detached it since.
func (r *Registry) live(l *Lease) bool {
	if l == nil || l.backend == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[l.backend.key] == l.backend
}

// Release returns a lease. The backend stays cached even when its ref
// count drops to zero. Releasing a lease whose backend was already torn down
// by a reset is a no-op; releasing the same lease twice returns
// [ErrDoubleRelease].
func (r *Registry) Release(l *Lease) error {
	if l == nil || l.backend == nil {
		return ErrNotEntered
	}
	if l.released.Swap(true) {
		return ErrDoubleRelease
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[l.backend.key]
	if !ok || e != l.backend {
		r.logger.Debug("release after reset ignored", "fingerprint", l.backend.key.String())
		return nil
	}
	if e.refs <= 0 {
		return ErrDoubleRelease
	}
	e.refs--
	return nil
}

// ResetAll tears down every cached backend. It waits for in-progress
// Acquire and Release calls, detaches the cache, and then shuts the
// detached backends down outside the lock, waiting for their queued tasks.
// The next Acquire for any fingerprint constructs a new backend.
//
// ResetAll must not be called from a task running on a pooled backend.
func (r *Registry) ResetAll() error {
	r.mu.Lock()
	detached := r.entries
	r.entries = make(map[Fingerprint]*pooledBackend)
	r.mu.Unlock()

	return r.teardown(detached)
}

// Close tears down every backend and makes later Acquire calls fail with
// [ErrClosed]. It is the registry's exit hook; calls after the first do
// nothing.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	detached := r.entries
	r.entries = make(map[Fingerprint]*pooledBackend)
	r.mu.Unlock()

	return r.teardown(detached)
}

func (r *Registry) teardown(entries map[Fingerprint]*pooledBackend) error {
	var errs []error
	for fp, e := range entries {
		if err := e.exec.Shutdown(true); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", fp, err))
		}
		r.logger.Debug("backend torn down", "fingerprint", fp.String(), "refs", e.refs)
	}
	return errors.Join(errs...)
}

// Stats lists live entries ordered by fingerprint.
func (r *Registry) Stats() []BackendStats {
	r.mu.Lock()
	out := make([]BackendStats, 0, len(r.entries))
	for fp, e := range r.entries {
		out = append(out, BackendStats{Fingerprint: fp, Refs: e.refs})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Fingerprint.String() < out[j].Fingerprint.String()
	})
	return out
}

// Constructed returns how many backends the registry has built.
func (r *Registry) Constructed() int64 {
	return r.constructed.Load()
}
