package unirun

import (
	"runtime"
	"sync/atomic"
)

// Capabilities is an immutable snapshot of what the host runtime supports.
// It is measured once by a [Probe] and shared read-only by every caller
// until the probe is invalidated.
type Capabilities struct {
	// ThreadingParallel reports whether goroutines pinned to separate OS
	// threads can actually execute in parallel (GOMAXPROCS > 1 on a
	// platform with OS threads).
	ThreadingParallel bool `json:"threading_parallel" yaml:"threading_parallel" toml:"threading_parallel"`

	// IsolatedWorkersAvailable reports whether tasks can run on throwaway
	// OS threads that are destroyed after each task.
	IsolatedWorkersAvailable bool `json:"isolated_workers_available" yaml:"isolated_workers_available" toml:"isolated_workers_available"`

	CPUCount         int    `json:"cpu_count" yaml:"cpu_count" toml:"cpu_count"`
	SuggestedWorkers int    `json:"suggested_workers" yaml:"suggested_workers" toml:"suggested_workers"`
	GOOS             string `json:"goos" yaml:"goos" toml:"goos"`
}

// ProbeFunc measures the host. It must not fail: a missing feature is
// reported as false or a default value.
type ProbeFunc func() Capabilities

// Probe caches the result of a [ProbeFunc]. It is safe for concurrent use.
//
// Two goroutines racing on an empty cache may both measure; the results are
// identical for a given host, so the last atomic store wins.
type Probe struct {
	measure ProbeFunc
	cached  atomic.Pointer[Capabilities]
}

// NewProbe returns a Probe backed by fn. A nil fn uses [MeasureHost].
func NewProbe(fn ProbeFunc) *Probe {
	if fn == nil {
		fn = MeasureHost
	}
	return &Probe{measure: fn}
}

// Snapshot returns the cached capabilities, measuring on first use.
func (p *Probe) Snapshot() Capabilities {
	if c := p.cached.Load(); c != nil {
		return *c
	}
	c := normalizeCapabilities(p.measure())
	p.cached.Store(&c)
	return c
}

// Invalidate clears the cache so the next Snapshot re-measures.
func (p *Probe) Invalidate() {
	p.cached.Store(nil)
}

// MeasureHost inspects the Go runtime of the current process.
func MeasureHost() Capabilities {
	threads := hasOSThreads(runtime.GOOS)
	cpus := runtime.NumCPU()
	return Capabilities{
		ThreadingParallel:        threads && runtime.GOMAXPROCS(0) > 1,
		IsolatedWorkersAvailable: threads,
		CPUCount:                 cpus,
		SuggestedWorkers:         suggestedWorkers(cpus),
		GOOS:                     runtime.GOOS,
	}
}

// hasOSThreads reports whether LockOSThread maps a goroutine onto a real,
// separately scheduled OS thread on goos.
func hasOSThreads(goos string) bool {
	switch goos {
	case "js", "wasip1":
		return false
	default:
		return true
	}
}

// suggestedWorkers mirrors the classic executor default of min(32, cpus+4).
func suggestedWorkers(cpus int) int {
	if cpus < 1 {
		cpus = 1
	}
	return min(32, cpus+4)
}

func normalizeCapabilities(c Capabilities) Capabilities {
	if c.CPUCount < 1 {
		c.CPUCount = 1
	}
	if c.SuggestedWorkers < 1 {
		c.SuggestedWorkers = suggestedWorkers(c.CPUCount)
	}
	return c
}
