package unirun

import (
	"fmt"
	"strings"
)

// Reason codes stamped on a [Decision]. Each rule of [Decide] has its own
// code so a trace always says which rule fired.
const (
	ReasonExplicitNone          = "explicit-none"
	ReasonExplicitThreads       = "explicit-threads"
	ReasonExplicitProcesses     = "explicit-processes"
	ReasonExplicitIsolated      = "explicit-isolated"
	ReasonUnsupportedCapability = "unsupported-capability"
	ReasonCompatMode            = "compat-mode"
	ReasonForceConflict         = "force-conflict"
	ReasonForceThreads          = "force-threads"
	ReasonForceProcesses        = "force-processes"
	ReasonCPUBound              = "cpu-bound-auto"
	ReasonIOBound               = "io-bound-auto"
	ReasonIsolatedDefault       = "isolated-default"
	ReasonThreadsDefault        = "threads-default"
	ReasonCallerSupplied        = "caller-supplied"
	ReasonUnknownFlavor         = "unknown-flavor"
)

// Reason explains a decision with a machine-readable code and a sentence
// for humans.
type Reason struct {
	Code    string `json:"code" yaml:"code" toml:"code"`
	Message string `json:"message" yaml:"message" toml:"message"`
}

func (r Reason) String() string {
	return r.Code + ": " + r.Message
}

// Hints is the set of configuration fields that influenced a decision.
type Hints uint16

const (
	HintFlavor Hints = 1 << iota
	HintForceThreads
	HintForceProcesses
	HintCPUBound
	HintIOBound
	HintPrefersIsolated
	HintCompatMode
	HintThreadMode
	HintMaxWorkers
	HintPoolName
)

var hintNames = []struct {
	h    Hints
	name string
}{
	{HintFlavor, "flavor"},
	{HintForceThreads, "force_threads"},
	{HintForceProcesses, "force_processes"},
	{HintCPUBound, "cpu_bound"},
	{HintIOBound, "io_bound"},
	{HintPrefersIsolated, "prefers_isolated"},
	{HintCompatMode, "compat_mode"},
	{HintThreadMode, "thread_mode"},
	{HintMaxWorkers, "max_workers"},
	{HintPoolName, "pool_name"},
}

// Has reports whether every hint in h2 is set in h.
func (h Hints) Has(h2 Hints) bool { return h&h2 == h2 }

// Names returns the field names in h, in declaration order.
func (h Hints) Names() []string {
	var out []string
	for _, hn := range hintNames {
		if h.Has(hn.h) {
			out = append(out, hn.name)
		}
	}
	return out
}

func (h Hints) String() string {
	return strings.Join(h.Names(), ",")
}

func (h Hints) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hints) UnmarshalText(b []byte) error {
	var out Hints
	for _, name := range strings.Split(string(b), ",") {
		if name == "" {
			continue
		}
		found := false
		for _, hn := range hintNames {
			if hn.name == name {
				out |= hn.h
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unirun: unknown hint %q", name)
		}
	}
	*h = out
	return nil
}

// Decision is the outcome of scheduling one scope acquisition. It is a
// value and may be copied freely.
type Decision struct {
	RequestedFlavor Flavor     `json:"requested_flavor" yaml:"requested_flavor" toml:"requested_flavor"`
	Kind            Kind       `json:"kind" yaml:"kind" toml:"kind"`
	Reason          Reason     `json:"reason" yaml:"reason" toml:"reason"`
	Fallback        bool       `json:"fallback" yaml:"fallback" toml:"fallback"`
	ThreadMode      ThreadMode `json:"thread_mode" yaml:"thread_mode" toml:"thread_mode"`
	Workers         int        `json:"workers" yaml:"workers" toml:"workers"`
	PoolName        string     `json:"pool_name,omitempty" yaml:"pool_name,omitempty" toml:"pool_name,omitempty"`
	Hints           Hints      `json:"hints" yaml:"hints" toml:"hints"`
	ScopeID         string     `json:"scope_id,omitempty" yaml:"scope_id,omitempty" toml:"scope_id,omitempty"`
}

// Fingerprint is the pool shape of d: two decisions with equal
// fingerprints may share one pooled backend.
func (d Decision) Fingerprint() Fingerprint {
	if d.Kind == KindShared {
		return Fingerprint{Kind: KindShared}
	}
	return Fingerprint{
		Kind:       d.Kind,
		Workers:    d.Workers,
		ThreadMode: d.ThreadMode,
		PoolName:   d.PoolName,
	}
}

// Decide maps a resolved configuration and a capability snapshot to
// exactly one Decision. It is pure and total: every input combination has
// a terminal outcome with a non-empty reason code.
func Decide(cfg Config, caps Capabilities) Decision {
	d := Decision{
		RequestedFlavor: cfg.Flavor,
		ThreadMode:      resolveThreadMode(cfg.ThreadMode, caps),
		Workers:         max(1, cfg.MaxWorkers),
		PoolName:        cfg.PoolName,
	}
	if cfg.MaxWorkers < 1 {
		d.Workers = max(1, caps.SuggestedWorkers)
	}
	if cfg.ThreadMode != ThreadModeAuto {
		d.Hints |= HintThreadMode
	}
	if cfg.WorkersSource == SourceExplicit || cfg.WorkersSource == SourcePolicy {
		d.Hints |= HintMaxWorkers
	}
	if cfg.PoolName != "" {
		d.Hints |= HintPoolName
	}

	switch cfg.Flavor {
	case FlavorNone:
		// The shared pool ignores every other field.
		d.Kind = KindShared
		d.Workers = max(1, caps.SuggestedWorkers)
		d.PoolName = ""
		d.Hints = HintFlavor
		d.Reason = Reason{ReasonExplicitNone, "flavor none routes to the shared pool"}
	case FlavorThreads:
		d.Kind = KindThreads
		d.Hints |= HintFlavor
		d.Reason = Reason{ReasonExplicitThreads, "threads requested explicitly"}
	case FlavorProcesses:
		d.Kind = KindProcesses
		d.Hints |= HintFlavor
		d.Reason = Reason{ReasonExplicitProcesses, "processes requested explicitly"}
	case FlavorIsolated:
		d.Hints |= HintFlavor
		if caps.IsolatedWorkersAvailable {
			d.Kind = KindIsolated
			d.Reason = Reason{ReasonExplicitIsolated, "isolated workers requested explicitly"}
		} else {
			d.Kind = KindThreads
			d.Fallback = true
			d.Reason = Reason{ReasonUnsupportedCapability,
				fmt.Sprintf("isolated workers are unavailable on %s; falling back to threads", goosOrHost(caps))}
		}
	case FlavorAuto:
		decideAuto(&d, cfg, caps)
	default:
		d.Kind = KindThreads
		d.Fallback = true
		d.Reason = Reason{ReasonUnknownFlavor, fmt.Sprintf("unknown %s; falling back to threads", cfg.Flavor)}
	}
	return d
}

func decideAuto(d *Decision, cfg Config, caps Capabilities) {
	switch {
	case !cfg.AutoHeuristics:
		d.Kind = KindThreads
		d.Hints |= HintCompatMode
		d.Reason = Reason{ReasonCompatMode, "auto heuristics disabled; using threads"}
	case cfg.ForceThreads && cfg.Conflict == ReasonForceConflict:
		d.Kind = KindThreads
		d.Hints |= HintForceThreads | HintForceProcesses
		d.Reason = Reason{ReasonForceConflict, "force threads and force processes both set; threads win"}
	case cfg.ForceThreads:
		d.Kind = KindThreads
		d.Hints |= HintForceThreads
		if cfg.CPUBound {
			d.Hints |= HintCPUBound
			d.Reason = Reason{ReasonForceThreads, "force threads outranks the cpu-bound hint"}
		} else {
			d.Reason = Reason{ReasonForceThreads, "force threads is set"}
		}
	case cfg.ForceProcesses:
		d.Kind = KindProcesses
		d.Hints |= HintForceProcesses
		d.Reason = Reason{ReasonForceProcesses, "force processes is set"}
	case cfg.CPUBound:
		d.Kind = KindProcesses
		d.Hints |= HintCPUBound
		d.Reason = Reason{ReasonCPUBound, "cpu-bound work prefers processes"}
	case cfg.IOBound:
		d.Kind = KindThreads
		d.Hints |= HintIOBound
		d.Reason = Reason{ReasonIOBound, "io-bound work prefers threads"}
	case cfg.PrefersIsolated && caps.IsolatedWorkersAvailable:
		d.Kind = KindIsolated
		d.Hints |= HintPrefersIsolated
		d.Reason = Reason{ReasonIsolatedDefault, "isolated workers are available and preferred"}
	default:
		d.Kind = KindThreads
		d.Reason = Reason{ReasonThreadsDefault, "no hints; threads are the default"}
	}
}

// resolveThreadMode pins auto to parallel when threads can run in
// parallel. An explicit mode always wins.
func resolveThreadMode(m ThreadMode, caps Capabilities) ThreadMode {
	switch m {
	case ThreadModeShared, ThreadModeParallel:
		return m
	}
	if caps.ThreadingParallel {
		return ThreadModeParallel
	}
	return ThreadModeShared
}

func goosOrHost(caps Capabilities) string {
	if caps.GOOS == "" {
		return "this host"
	}
	return caps.GOOS
}

// callerSuppliedDecision describes a scope that wraps an executor the
// caller brought along.
func callerSuppliedDecision(cfg Config, caps Capabilities, workers int) Decision {
	return Decision{
		RequestedFlavor: cfg.Flavor,
		Kind:            KindExternal,
		Reason:          Reason{ReasonCallerSupplied, "executor supplied by the caller"},
		ThreadMode:      resolveThreadMode(cfg.ThreadMode, caps),
		Workers:         max(1, workers),
		PoolName:        cfg.PoolName,
		Hints:           HintFlavor,
	}
}
