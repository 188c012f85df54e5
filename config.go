package unirun

// Overrides carries explicit per-call configuration. A nil field means "not
// set here" and falls through to the environment policy and then to
// capability-derived defaults.
type Overrides struct {
	Flavor          *Flavor
	ThreadMode      *ThreadMode
	ForceThreads    *bool
	ForceProcesses  *bool
	CPUBound        *bool
	IOBound         *bool
	MaxWorkers      *int
	PoolName        *string
	PrefersIsolated *bool

	// AutoHeuristics set to false disables the auto rules, as compat mode
	// does.
	AutoHeuristics *bool
}

// merge overlays the non-nil fields of o onto dst.
func (o Overrides) merge(dst *Overrides) {
	if o.Flavor != nil {
		dst.Flavor = o.Flavor
	}
	if o.ThreadMode != nil {
		dst.ThreadMode = o.ThreadMode
	}
	if o.ForceThreads != nil {
		dst.ForceThreads = o.ForceThreads
	}
	if o.ForceProcesses != nil {
		dst.ForceProcesses = o.ForceProcesses
	}
	if o.CPUBound != nil {
		dst.CPUBound = o.CPUBound
	}
	if o.IOBound != nil {
		dst.IOBound = o.IOBound
	}
	if o.MaxWorkers != nil {
		dst.MaxWorkers = o.MaxWorkers
	}
	if o.PoolName != nil {
		dst.PoolName = o.PoolName
	}
	if o.AutoHeuristics != nil {
		dst.AutoHeuristics = o.AutoHeuristics
	}
	if o.PrefersIsolated != nil {
		dst.PrefersIsolated = o.PrefersIsolated
	}
}

// Policy is the environment policy, already parsed into typed values.
// The zero Policy sets nothing. See [LoadPolicy] for the UNIRUN_* loader.
type Policy struct {
	ThreadMode      ThreadMode `json:"thread_mode" yaml:"thread_mode" toml:"thread_mode"`
	ForceThreads    bool       `json:"force_threads" yaml:"force_threads" toml:"force_threads"`
	ForceProcesses  bool       `json:"force_processes" yaml:"force_processes" toml:"force_processes"`
	CompatMode      bool       `json:"compat_mode" yaml:"compat_mode" toml:"compat_mode"`
	MaxWorkers      int        `json:"max_workers" yaml:"max_workers" toml:"max_workers"`
	PrefersIsolated bool       `json:"prefers_isolated" yaml:"prefers_isolated" toml:"prefers_isolated"`
}

// Where a resolved worker count came from.
const (
	SourceExplicit   = "explicit"
	SourcePolicy     = "policy"
	SourceCapability = "capability"
)

// Config is the resolved configuration for one scope acquisition. It is a
// value: nothing mutates it after [Resolve] returns.
type Config struct {
	Flavor          Flavor     `json:"flavor" yaml:"flavor" toml:"flavor"`
	ThreadMode      ThreadMode `json:"thread_mode" yaml:"thread_mode" toml:"thread_mode"`
	ForceThreads    bool       `json:"force_threads" yaml:"force_threads" toml:"force_threads"`
	ForceProcesses  bool       `json:"force_processes" yaml:"force_processes" toml:"force_processes"`
	CPUBound        bool       `json:"cpu_bound" yaml:"cpu_bound" toml:"cpu_bound"`
	IOBound         bool       `json:"io_bound" yaml:"io_bound" toml:"io_bound"`
	MaxWorkers      int        `json:"max_workers" yaml:"max_workers" toml:"max_workers"`
	WorkersSource   string     `json:"workers_source" yaml:"workers_source" toml:"workers_source"`
	PoolName        string     `json:"pool_name,omitempty" yaml:"pool_name,omitempty" toml:"pool_name,omitempty"`
	AutoHeuristics  bool       `json:"auto_heuristics" yaml:"auto_heuristics" toml:"auto_heuristics"`
	PrefersIsolated bool       `json:"prefers_isolated" yaml:"prefers_isolated" toml:"prefers_isolated"`

	// Conflict holds a reason code when contradictory overrides were
	// reconciled, for example both force flags set.
	Conflict string `json:"conflict,omitempty" yaml:"conflict,omitempty" toml:"conflict,omitempty"`
}

// Resolve merges explicit overrides, the environment policy and
// capability-derived defaults, highest precedence first. Both force flags
// set resolves to threads and records [ReasonForceConflict]. Resolve never
// fails and does not modify its inputs.
func Resolve(explicit Overrides, env Policy, caps Capabilities) Config {
	cfg := Config{
		Flavor:          FlavorAuto,
		ThreadMode:      env.ThreadMode,
		ForceThreads:    env.ForceThreads,
		ForceProcesses:  env.ForceProcesses,
		AutoHeuristics:  !env.CompatMode,
		PrefersIsolated: env.PrefersIsolated,
		MaxWorkers:      caps.SuggestedWorkers,
		WorkersSource:   SourceCapability,
	}
	if env.MaxWorkers > 0 {
		cfg.MaxWorkers = env.MaxWorkers
		cfg.WorkersSource = SourcePolicy
	}

	if explicit.Flavor != nil {
		cfg.Flavor = *explicit.Flavor
	}
	if explicit.ThreadMode != nil {
		cfg.ThreadMode = *explicit.ThreadMode
	}
	if explicit.ForceThreads != nil {
		cfg.ForceThreads = *explicit.ForceThreads
	}
	if explicit.ForceProcesses != nil {
		cfg.ForceProcesses = *explicit.ForceProcesses
	}
	if explicit.CPUBound != nil {
		cfg.CPUBound = *explicit.CPUBound
	}
	if explicit.IOBound != nil {
		cfg.IOBound = *explicit.IOBound
	}
	if explicit.MaxWorkers != nil && *explicit.MaxWorkers > 0 {
		cfg.MaxWorkers = *explicit.MaxWorkers
		cfg.WorkersSource = SourceExplicit
	}
	if explicit.PoolName != nil {
		cfg.PoolName = *explicit.PoolName
	}
	if explicit.AutoHeuristics != nil {
		cfg.AutoHeuristics = *explicit.AutoHeuristics
	}
	if explicit.PrefersIsolated != nil {
		cfg.PrefersIsolated = *explicit.PrefersIsolated
	}

	if cfg.ForceThreads && cfg.ForceProcesses {
		cfg.ForceProcesses = false
		cfg.Conflict = ReasonForceConflict
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	return cfg
}

func ptr[T any](v T) *T { return &v }
