package unirun

import (
	"log/slog"
)

// Option configures one scope acquisition.
type Option func(*scopeConfig)

type scopeConfig struct {
	overrides Overrides
	executor  Executor
	sink      *traceSink
}

// WithFlavor selects the backend flavor. The default is [FlavorAuto].
func WithFlavor(f Flavor) Option {
	return func(c *scopeConfig) {
		c.overrides.Flavor = ptr(f)
	}
}

// WithExecutor makes the scope wrap ex instead of a pooled backend. The
// scope never shuts ex down; its lifecycle stays with the caller.
// It panics if ex is nil.
func WithExecutor(ex Executor) Option {
	if ex == nil {
		panic("unirun: WithExecutor requires a non-nil executor")
	}
	return func(c *scopeConfig) {
		c.executor = ex
	}
}

// WithMaxWorkers overrides the worker count. It panics if n is not positive.
func WithMaxWorkers(n int) Option {
	if n <= 0 {
		panic("unirun: WithMaxWorkers requires n > 0")
	}
	return func(c *scopeConfig) {
		c.overrides.MaxWorkers = ptr(n)
	}
}

// WithName names the pool. Scopes with different names never share a
// backend.
func WithName(name string) Option {
	return func(c *scopeConfig) {
		c.overrides.PoolName = ptr(name)
	}
}

// WithThreadMode pins the thread mode instead of deriving it from the host.
func WithThreadMode(m ThreadMode) Option {
	return func(c *scopeConfig) {
		c.overrides.ThreadMode = ptr(m)
	}
}

// WithCPUBound hints that the work is CPU-bound. Only the auto flavor reads
// hints.
func WithCPUBound() Option {
	return func(c *scopeConfig) {
		c.overrides.CPUBound = ptr(true)
	}
}

// WithIOBound hints that the work is IO-bound.
func WithIOBound() Option {
	return func(c *scopeConfig) {
		c.overrides.IOBound = ptr(true)
	}
}

// WithOverrides overlays every non-nil field of o. Later options win over
// earlier ones field by field.
func WithOverrides(o Overrides) Option {
	return func(c *scopeConfig) {
		o.merge(&c.overrides)
	}
}

// WithTrace captures the scope's decision, readable via [Scope.Trace].
func WithTrace() Option {
	return func(c *scopeConfig) {
		c.sink = &traceSink{mode: sinkCapture}
	}
}

// WithTraceFunc calls fn synchronously with the scope's decision.
// It panics if fn is nil.
func WithTraceFunc(fn func(Decision)) Option {
	if fn == nil {
		panic("unirun: WithTraceFunc requires a non-nil callback")
	}
	return func(c *scopeConfig) {
		c.sink = &traceSink{mode: sinkCallback, fn: fn}
	}
}

// WithTraceSink copies the scope's decision into dst, which the caller
// allocates up front. It panics if dst is nil.
func WithTraceSink(dst *Decision) Option {
	if dst == nil {
		panic("unirun: WithTraceSink requires a non-nil destination")
	}
	return func(c *scopeConfig) {
		c.sink = &traceSink{mode: sinkCopy, dst: dst}
	}
}

// RuntimeOption configures a [Runtime].
type RuntimeOption func(*runtimeConfig)

type runtimeConfig struct {
	probe     ProbeFunc
	policy    Policy
	factories map[Kind]Factory
	logger    *slog.Logger
}

// WithProbe replaces host measurement, typically to pin capabilities in
// tests.
func WithProbe(fn ProbeFunc) RuntimeOption {
	return func(c *runtimeConfig) {
		c.probe = fn
	}
}

// WithPolicy sets the environment policy. See [LoadPolicy].
func WithPolicy(p Policy) RuntimeOption {
	return func(c *runtimeConfig) {
		c.policy = p
	}
}

// WithFactory replaces the backend constructor for kind. It panics for
// [KindExternal], which is never constructed.
func WithFactory(kind Kind, f Factory) RuntimeOption {
	if kind == KindExternal {
		panic("unirun: external backends have no factory")
	}
	return func(c *runtimeConfig) {
		if c.factories == nil {
			c.factories = make(map[Kind]Factory)
		}
		c.factories[kind] = f
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(c *runtimeConfig) {
		c.logger = l
	}
}
