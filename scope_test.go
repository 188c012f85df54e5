package unirun

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, opts ...RuntimeOption) *Runtime {
	t.Helper()
	opts = append([]RuntimeOption{WithProbe(func() Capabilities { return testCaps })}, opts...)
	rt := New(opts...)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestScopeAcquireRelease(t *testing.T) {
	rt := newTestRuntime(t)

	sc, err := rt.Acquire(context.Background(), WithCPUBound(), WithMaxWorkers(2))
	require.NoError(t, err)
	assert.True(t, sc.Owned())
	assert.False(t, sc.Reused())
	assert.NotEmpty(t, sc.ID())
	assert.Equal(t, sc.ID(), sc.Decision().ScopeID)
	assert.Equal(t, KindProcesses, sc.Decision().Kind)
	assert.Equal(t, 2, sc.Workers())
	assert.IsType(t, &ProcessPool{}, sc.Backend())

	require.Len(t, rt.Registry().Stats(), 1)
	assert.Equal(t, 1, rt.Registry().Stats()[0].Refs)

	require.NoError(t, sc.Release())
	assert.Equal(t, 0, rt.Registry().Stats()[0].Refs, "released backend stays warm")
	assert.ErrorIs(t, sc.Release(), ErrScopeReleased)
}

func TestScopeZeroValueNotEntered(t *testing.T) {
	var sc Scope
	assert.ErrorIs(t, sc.Release(), ErrNotEntered)

	var nilScope *Scope
	assert.ErrorIs(t, nilScope.Release(), ErrNotEntered)
}

func TestScopeSubmitAfterRelease(t *testing.T) {
	rt := newTestRuntime(t)
	sc, err := rt.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, sc.Release())

	_, err = sc.Submit(context.Background(), noop)
	assert.ErrorIs(t, err, ErrScopeReleased)
}

func TestScopeShutdownIsRefused(t *testing.T) {
	rt := newTestRuntime(t)
	sc, err := rt.Acquire(context.Background())
	require.NoError(t, err)
	defer sc.Release()

	assert.ErrorIs(t, sc.Shutdown(true), ErrNotOwner)
}

func TestScopeReleaseWaitsForTasks(t *testing.T) {
	rt := newTestRuntime(t)
	sc, err := rt.Acquire(context.Background(), WithFlavor(FlavorThreads), WithMaxWorkers(2))
	require.NoError(t, err)

	var done atomic.Int32
	for range 4 {
		_, err := sc.Submit(context.Background(), func(context.Context) (any, error) {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil, nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, sc.Release())
	assert.Equal(t, int32(4), done.Load())
}

func TestScopeReleaseContextTimeout(t *testing.T) {
	rt := newTestRuntime(t)
	sc, err := rt.Acquire(context.Background(), WithFlavor(FlavorThreads), WithMaxWorkers(1))
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	_, err = sc.Submit(context.Background(), func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = sc.ReleaseContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, rt.Registry().Stats()[0].Refs, "the lease is returned even when the wait times out")
}

func TestScopeCallerSuppliedExecutor(t *testing.T) {
	rt := newTestRuntime(t)
	ex := &fakeExecutor{}

	sc, err := rt.Acquire(context.Background(), WithExecutor(ex), WithCPUBound())
	require.NoError(t, err)
	assert.False(t, sc.Owned())
	assert.Equal(t, KindExternal, sc.Decision().Kind)
	assert.Equal(t, ReasonCallerSupplied, sc.Decision().Reason.Code)

	fut, err := sc.Submit(context.Background(), func(context.Context) (any, error) { return 7, nil })
	require.NoError(t, err)
	v, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	require.NoError(t, sc.Release())
	require.NoError(t, rt.Reset())
	require.NoError(t, rt.Close())
	assert.Equal(t, int32(0), ex.shutdowns.Load(), "a caller-supplied executor is never shut down")
	assert.Empty(t, rt.Registry().Stats())
}

func TestScopeCallerSuppliedWorkers(t *testing.T) {
	rt := newTestRuntime(t)
	p := NewPool(3)
	defer p.Shutdown(true)

	sc, err := rt.Acquire(context.Background(), WithExecutor(p))
	require.NoError(t, err)
	defer sc.Release()
	assert.Equal(t, 3, sc.Workers())
}

func TestScopeNestedSameShapeReuses(t *testing.T) {
	rt := newTestRuntime(t)

	outer, err := rt.Acquire(context.Background(), WithFlavor(FlavorThreads), WithMaxWorkers(2))
	require.NoError(t, err)

	inner, err := rt.Acquire(outer.Context(), WithFlavor(FlavorThreads), WithMaxWorkers(2))
	require.NoError(t, err)
	assert.True(t, inner.Reused())
	assert.False(t, inner.Owned())
	assert.Same(t, outer, inner.Parent())
	assert.Same(t, outer.Backend(), inner.Backend())
	assert.Equal(t, 1, rt.Registry().Stats()[0].Refs, "reuse takes no extra lease")

	require.NoError(t, inner.Release())
	// The outer scope's backend is untouched by the inner release.
	fut, err := outer.Submit(context.Background(), noop)
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)
	require.NoError(t, outer.Release())
}

func TestScopeNestedReuseSkipsLevels(t *testing.T) {
	rt := newTestRuntime(t)

	outer, err := rt.Acquire(context.Background(), WithFlavor(FlavorThreads), WithMaxWorkers(2))
	require.NoError(t, err)
	defer outer.Release()
	middle, err := rt.Acquire(outer.Context(), WithFlavor(FlavorProcesses), WithMaxWorkers(2))
	require.NoError(t, err)
	defer middle.Release()
	inner, err := rt.Acquire(middle.Context(), WithFlavor(FlavorThreads), WithMaxWorkers(2))
	require.NoError(t, err)
	defer inner.Release()

	assert.False(t, middle.Reused())
	assert.True(t, inner.Reused())
	assert.Same(t, outer.Backend(), inner.Backend())
}

func TestScopeNestedDifferentShapeIndependent(t *testing.T) {
	rt := newTestRuntime(t)

	outer, err := rt.Acquire(context.Background(), WithFlavor(FlavorThreads), WithMaxWorkers(2))
	require.NoError(t, err)
	inner, err := rt.Acquire(outer.Context(), WithFlavor(FlavorThreads), WithMaxWorkers(3))
	require.NoError(t, err)

	assert.True(t, inner.Owned())
	assert.NotSame(t, outer.Backend(), inner.Backend())
	require.NoError(t, inner.Release())
	require.NoError(t, outer.Release())
	assert.Len(t, rt.Registry().Stats(), 2)
}

func TestScopeReleasedParentIsNotReused(t *testing.T) {
	rt := newTestRuntime(t)

	outer, err := rt.Acquire(context.Background(), WithFlavor(FlavorThreads), WithMaxWorkers(2))
	require.NoError(t, err)
	ctx := outer.Context()
	require.NoError(t, outer.Release())

	inner, err := rt.Acquire(ctx, WithFlavor(FlavorThreads), WithMaxWorkers(2))
	require.NoError(t, err)
	defer inner.Release()
	assert.False(t, inner.Reused())
	assert.True(t, inner.Owned())
	assert.Same(t, outer.Backend(), inner.Backend(), "the warm registry entry is reused instead")
}

func TestScopeSiblingsShareRegistryEntry(t *testing.T) {
	rt := newTestRuntime(t)

	a, err := rt.Acquire(context.Background(), WithIOBound(), WithMaxWorkers(4))
	require.NoError(t, err)
	b, err := rt.Acquire(context.Background(), WithIOBound(), WithMaxWorkers(4))
	require.NoError(t, err)

	assert.Same(t, a.Backend(), b.Backend())
	assert.Equal(t, 2, rt.Registry().Stats()[0].Refs)
	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
}

func TestScopeFallbackStillRuns(t *testing.T) {
	caps := testCaps
	caps.IsolatedWorkersAvailable = false
	rt := newTestRuntime(t, WithProbe(func() Capabilities { return caps }))

	var seen Decision
	err := rt.Run(context.Background(), func(ctx context.Context, sc *Scope) error {
		squares, err := MapOn(ctx, sc, []int{1, 2, 3}, func(_ context.Context, n int) (int, error) {
			return n * n, nil
		})
		assert.Equal(t, []int{1, 4, 9}, squares)
		return err
	}, WithFlavor(FlavorIsolated), WithTraceSink(&seen))
	require.NoError(t, err)

	assert.Equal(t, KindThreads, seen.Kind)
	assert.True(t, seen.Fallback)
	assert.Equal(t, ReasonUnsupportedCapability, seen.Reason.Code)
}

func TestScopeBackendErrorSurfaces(t *testing.T) {
	boom := errors.New("cannot start")
	rt := newTestRuntime(t, WithFactory(KindProcesses, func(Decision) (Executor, error) {
		return nil, boom
	}))

	_, err := rt.Acquire(context.Background(), WithCPUBound())
	require.Error(t, err)
	assert.True(t, IsBackendError(err))
	assert.ErrorIs(t, err, boom)

	_, ok := rt.LastDecision()
	assert.False(t, ok, "nothing is published for a failed acquisition")
}

func TestRunReleasesOnError(t *testing.T) {
	rt := newTestRuntime(t)
	sentinel := errors.New("fail")

	var captured *Scope
	err := rt.Run(context.Background(), func(_ context.Context, sc *Scope) error {
		captured = sc
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.ErrorIs(t, captured.Release(), ErrScopeReleased)
	assert.Equal(t, 0, rt.Registry().Stats()[0].Refs)
}

func TestRunReleasesOnPanic(t *testing.T) {
	rt := newTestRuntime(t)

	var captured *Scope
	mustPanic(t, "boom", func() {
		_ = rt.Run(context.Background(), func(_ context.Context, sc *Scope) error {
			captured = sc
			panic("boom")
		})
	})
	require.NotNil(t, captured)
	assert.ErrorIs(t, captured.Release(), ErrScopeReleased)
	assert.Equal(t, 0, rt.Registry().Stats()[0].Refs)
}

func TestRunAsync(t *testing.T) {
	rt := newTestRuntime(t)

	var ran atomic.Bool
	res := rt.RunAsync(context.Background(), func(ctx context.Context, sc *Scope) error {
		fut, err := sc.Submit(ctx, func(context.Context) (any, error) {
			ran.Store(true)
			return nil, nil
		})
		if err != nil {
			return err
		}
		_, err = fut.Wait()
		return err
	}, WithIOBound())

	_, err := res.Wait()
	require.NoError(t, err)
	assert.True(t, ran.Load())
	assert.Equal(t, 0, rt.Registry().Stats()[0].Refs)
}

func TestRunAsyncPanic(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.RunAsync(context.Background(), func(context.Context, *Scope) error {
		panic("async boom")
	})
	_, err := res.Wait()
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "async boom", pe.Value)
}

func TestRuntimeClosed(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Close())

	_, err := rt.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = rt.RunAsync(context.Background(), func(context.Context, *Scope) error { return nil }).Wait()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRuntimeResetRebuilds(t *testing.T) {
	var probes atomic.Int32
	rt := newTestRuntime(t, WithProbe(func() Capabilities {
		probes.Add(1)
		return testCaps
	}))
	rt.AddListener(func(Decision) {})

	a, err := rt.Acquire(context.Background(), WithIOBound())
	require.NoError(t, err)
	first := a.Backend()
	require.NoError(t, a.Release())

	require.NoError(t, rt.Reset())
	_, ok := rt.LastDecision()
	assert.False(t, ok)
	assert.Equal(t, 1, rt.bus.Listeners(), "listeners survive a reset")

	b, err := rt.Acquire(context.Background(), WithIOBound())
	require.NoError(t, err)
	defer b.Release()
	assert.NotSame(t, first, b.Backend())
	assert.Equal(t, int32(2), probes.Load(), "capabilities are re-measured after reset")
}

func TestRuntimeSetPolicy(t *testing.T) {
	rt := newTestRuntime(t)
	rt.SetPolicy(Policy{ForceProcesses: true, MaxWorkers: 3})

	sc, err := rt.Acquire(context.Background(), WithIOBound())
	require.NoError(t, err)
	defer sc.Release()
	assert.Equal(t, KindProcesses, sc.Decision().Kind)
	assert.Equal(t, ReasonForceProcesses, sc.Decision().Reason.Code)
	assert.Equal(t, 3, sc.Workers())
}

func TestRuntimeReleaseAfterReset(t *testing.T) {
	rt := newTestRuntime(t)
	sc, err := rt.Acquire(context.Background(), WithFlavor(FlavorThreads))
	require.NoError(t, err)

	require.NoError(t, rt.Reset())
	assert.NoError(t, sc.Release(), "a release after reset is a no-op")
}

func TestScopeNestedAfterResetBuildsFreshBackend(t *testing.T) {
	rt := newTestRuntime(t)
	opts := []Option{WithFlavor(FlavorThreads), WithMaxWorkers(2)}

	outer, err := rt.Acquire(context.Background(), opts...)
	require.NoError(t, err)
	defer outer.Release()
	middle, err := rt.Acquire(outer.Context(), opts...)
	require.NoError(t, err)
	defer middle.Release()
	require.True(t, middle.Reused())

	require.NoError(t, rt.Reset())

	// Neither the owner nor the scope reusing its backend may be picked up.
	inner, err := rt.Acquire(middle.Context(), opts...)
	require.NoError(t, err)
	defer inner.Release()
	assert.False(t, inner.Reused())
	assert.True(t, inner.Owned())
	assert.NotSame(t, outer.Backend(), inner.Backend())
	assert.Equal(t, int64(2), rt.Registry().Constructed())

	fut, err := inner.Submit(context.Background(), func(context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	v, err := fut.Wait()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	// Scopes nested under the fresh owner reuse it again.
	innermost, err := rt.Acquire(inner.Context(), opts...)
	require.NoError(t, err)
	defer innermost.Release()
	assert.True(t, innermost.Reused())
	assert.Same(t, inner.Backend(), innermost.Backend())
}

func TestScopeOversizedWorkersIsBackendError(t *testing.T) {
	rt := newTestRuntime(t)

	var err error
	require.NotPanics(t, func() {
		_, err = rt.Acquire(context.Background(), WithFlavor(FlavorThreads), WithMaxWorkers(math.MaxInt/2+1))
	})
	assert.True(t, IsBackendError(err))
	assert.Empty(t, rt.Registry().Stats())
}
