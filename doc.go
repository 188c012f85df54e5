// Package unirun decides, at each call site, which execution backend should
// run a piece of concurrent work, and manages the lifecycle of the pooled
// backends it hands out.
//
// # Scopes
//
// The unit callers acquire and release is a [Scope]. [Run] acquires one,
// calls a function with it, and releases it when the function returns,
// even on error or panic:
//
//	err := unirun.Run(ctx, func(ctx context.Context, sc *unirun.Scope) error {
//	    squares, err := unirun.MapOn(ctx, sc, nums, square)
//	    ...
//	}, unirun.WithCPUBound())
//
// [RunAsync] does the same on its own goroutine and returns a [Result].
// For manual lifecycle control, [Acquire] returns the scope and the caller
// must call [Scope.Release] or [Scope.ReleaseContext].
//
// # Backends
//
// A decision resolves to one of four kinds:
//
//   - [KindThreads]: a fixed worker pool ([Pool]). In pinned-parallel
//     thread mode every worker owns an OS thread.
//   - [KindProcesses]: a CPU-bound pool whose workers are pinned to OS
//     threads for their lifetime ([ProcessPool]).
//   - [KindIsolated]: every task on a throwaway OS thread ([IsolatedPool]).
//   - [KindShared]: the one process-wide shared pool, used by [FlavorNone].
//
// A caller can also bring its own [Executor] with [WithExecutor]. The scope
// then never tears it down.
//
// # Decisions
//
// [Resolve] merges explicit options, the environment [Policy] and
// capability defaults into a [Config]; [Decide] maps it to a [Decision]
// carrying the kind, a reason code and whether a fallback happened. Both
// are pure and exported so decisions can be replayed and inspected.
// [Decide] never fails: an unsupported request falls back to threads and
// says so in its reason.
//
// # Pool reuse
//
// Backends are cached by [Fingerprint] (kind, worker count, thread mode,
// pool name). Acquisitions with the same fingerprint share one backend, and
// a scope acquired from the context of an enclosing scope with the same
// fingerprint reuses the enclosing scope's backend outright. Released
// backends stay warm until [Reset] or [Shutdown].
//
// # Tracing
//
// Every decision is published synchronously: first to the scope's own
// trace request ([WithTrace], [WithTraceFunc], [WithTraceSink]), then to
// every listener registered with [AddListener]. [LastDecision] returns the
// most recent one.
//
// # Environment policy
//
// [LoadPolicy] reads UNIRUN_THREAD_MODE, UNIRUN_FORCE_THREADS,
// UNIRUN_FORCE_PROCESSES, UNIRUN_COMPAT_MODE, UNIRUN_MAX_WORKERS and
// UNIRUN_PREFERS_ISOLATED, plus an optional policy file named by
// UNIRUN_CONFIG. [Default] loads it on first use.
package unirun
