package unirun

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"
)

const (
	scopeUnentered int32 = iota
	scopeActive
	scopeReleased
)

// Scope is one acquisition of a backend. It is the handle callers submit
// work through, and it implements [Executor] with a Shutdown that always
// fails: pooled backends belong to the registry and caller-supplied ones to
// the caller.
//
// A Scope must be released exactly once, by [Scope.Release],
// [Scope.ReleaseContext], or implicitly by [Run] and [RunAsync].
type Scope struct {
	id       string
	rt       *Runtime
	ctx      context.Context
	decision Decision
	fp       Fingerprint
	exec     Executor
	lease    *Lease // nil unless the scope owns its backend
	held     *Lease // lease backing exec, owned or inherited from the reused scope
	reused   bool
	parent   weak.Pointer[Scope]
	sink     *traceSink

	mu      sync.RWMutex // orders Submit's pending.Add against exit
	pending sync.WaitGroup
	state   atomic.Int32
}

type scopeKey struct{}

// scopeFromContext returns the innermost live scope carried by ctx.
func scopeFromContext(ctx context.Context) *Scope {
	wp, ok := ctx.Value(scopeKey{}).(weak.Pointer[Scope])
	if !ok {
		return nil
	}
	return wp.Value()
}

// enter resolves, decides and acquires. It is shared by every acquisition
// path, synchronous or not.
func (rt *Runtime) enter(ctx context.Context, opts []Option) (*Scope, error) {
	if rt.closed.Load() {
		return nil, ErrClosed
	}

	var sc scopeConfig
	for _, opt := range opts {
		opt(&sc)
	}

	caps := rt.probe.Snapshot()
	cfg := Resolve(sc.overrides, rt.Policy(), caps)

	s := &Scope{
		id:   uuid.NewString(),
		rt:   rt,
		sink: sc.sink,
	}
	parent := scopeFromContext(ctx)
	if parent != nil {
		s.parent = weak.Make(parent)
	}

	switch {
	case sc.executor != nil:
		workers := cfg.MaxWorkers
		if w, ok := sc.executor.(interface{ Workers() int }); ok {
			workers = w.Workers()
		}
		s.decision = callerSuppliedDecision(cfg, caps, workers)
		s.exec = sc.executor
	default:
		d := Decide(cfg, caps)
		if d.Fallback {
			rt.logger.Warn("backend fallback",
				"requested", d.RequestedFlavor.String(),
				"kind", d.Kind.String(),
				"reason", d.Reason.Code,
				"detail", d.Reason.Message)
		}
		s.decision = d
		if owner := parent.findShape(d.Fingerprint()); owner != nil {
			s.exec = owner.exec
			s.held = owner.held
			s.reused = true
			break
		}
		lease, err := rt.registry.Acquire(d)
		if err != nil {
			return nil, err
		}
		s.lease = lease
		s.held = lease
		s.exec = lease.Executor()
	}

	s.decision.ScopeID = s.id
	s.fp = s.decision.Fingerprint()
	s.ctx = context.WithValue(ctx, scopeKey{}, weak.Make(s))
	s.state.Store(scopeActive)

	rt.bus.Publish(s.decision, s.sink)
	return s, nil
}

// findShape walks from s outwards and returns the first active scope whose
// pooled backend has fingerprint fp and is still cached by the registry.
// Scopes whose backend was torn down by a reset are skipped.
func (s *Scope) findShape(fp Fingerprint) *Scope {
	for cur := s; cur != nil; cur = cur.parent.Value() {
		if cur.state.Load() != scopeActive || cur.decision.Kind == KindExternal {
			continue
		}
		if cur.fp == fp && cur.rt.registry.live(cur.held) {
			return cur
		}
	}
	return nil
}

// exit waits for the scope's pending tasks (until ctx is done) and then
// releases the backend. The release happens even when ctx is cancelled.
func (s *Scope) exit(ctx context.Context) error {
	if s == nil || s.state.Load() == scopeUnentered {
		return ErrNotEntered
	}
	s.mu.Lock()
	swapped := s.state.CompareAndSwap(scopeActive, scopeReleased)
	s.mu.Unlock()
	if !swapped {
		return ErrScopeReleased
	}

	var waitErr error
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	var relErr error
	if s.lease != nil {
		relErr = s.rt.registry.Release(s.lease)
	}
	return errors.Join(waitErr, relErr)
}

// Release waits for every task submitted through the scope and returns the
// backend. Owned backends go back to the registry and stay warm; reused and
// caller-supplied backends are left untouched. A second Release returns
// [ErrScopeReleased].
func (s *Scope) Release() error {
	return s.exit(context.Background())
}

// ReleaseContext is Release with a cancellable wait: if ctx is done before
// the pending tasks finish, the backend is released anyway and ctx.Err() is
// returned. The tasks keep running.
func (s *Scope) ReleaseContext(ctx context.Context) error {
	return s.exit(ctx)
}

// Submit schedules task on the scope's backend.
func (s *Scope) Submit(ctx context.Context, task Task) (*Future, error) {
	s.mu.RLock()
	if s.state.Load() != scopeActive {
		s.mu.RUnlock()
		return nil, ErrScopeReleased
	}
	s.pending.Add(1)
	s.mu.RUnlock()
	fut, err := s.exec.Submit(ctx, task)
	if err != nil {
		s.pending.Done()
		return nil, err
	}
	go func() {
		<-fut.Done()
		s.pending.Done()
	}()
	return fut, nil
}

// Shutdown always returns [ErrNotOwner]; scopes borrow their backend.
func (s *Scope) Shutdown(bool) error {
	return ErrNotOwner
}

// Context returns a context carrying s. Scopes acquired from it look at s
// when deciding whether to reuse a backend.
func (s *Scope) Context() context.Context { return s.ctx }

// Decision returns the decision the scope was built from.
func (s *Scope) Decision() Decision { return s.decision }

// Trace returns the decision captured by [WithTrace].
func (s *Scope) Trace() (Decision, bool) {
	if s.sink == nil || s.sink.mode != sinkCapture {
		return Decision{}, false
	}
	return s.sink.captured, s.sink.ok
}

// ID returns the scope's unique identifier, also stamped on its decision.
func (s *Scope) ID() string { return s.id }

// Owned reports whether the scope acquired its backend from the registry
// and will release it on exit.
func (s *Scope) Owned() bool { return s.lease != nil }

// Reused reports whether the scope shares an enclosing scope's backend.
func (s *Scope) Reused() bool { return s.reused }

// Parent returns the enclosing scope, or nil.
func (s *Scope) Parent() *Scope { return s.parent.Value() }

// Backend returns the underlying executor. Do not shut it down.
func (s *Scope) Backend() Executor { return s.exec }

// Workers returns the decided worker count.
func (s *Scope) Workers() int { return s.decision.Workers }
