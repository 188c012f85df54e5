package unirun

import (
	"fmt"
	"strings"
)

// Flavor is the caller-facing backend selector.
type Flavor int

const (
	// FlavorAuto lets the decision engine pick a backend from hints and
	// host capabilities.
	FlavorAuto Flavor = iota
	FlavorThreads
	FlavorProcesses
	// FlavorIsolated asks for tasks on throwaway OS threads. "interpreters"
	// parses to this flavor.
	FlavorIsolated
	// FlavorNone routes to the shared process-wide pool with no heuristics.
	FlavorNone
)

var flavorNames = [...]string{
	FlavorAuto:      "auto",
	FlavorThreads:   "threads",
	FlavorProcesses: "processes",
	FlavorIsolated:  "isolated",
	FlavorNone:      "none",
}

func (f Flavor) String() string {
	if f < 0 || int(f) >= len(flavorNames) {
		return fmt.Sprintf("Flavor(%d)", int(f))
	}
	return flavorNames[f]
}

// ParseFlavor parses a flavor name. Matching is case-insensitive.
func ParseFlavor(s string) (Flavor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FlavorAuto, nil
	case "threads", "thread":
		return FlavorThreads, nil
	case "processes", "process":
		return FlavorProcesses, nil
	case "isolated", "interpreters", "interpreter":
		return FlavorIsolated, nil
	case "none":
		return FlavorNone, nil
	}
	return FlavorAuto, fmt.Errorf("unirun: unknown flavor %q", s)
}

func (f Flavor) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Flavor) UnmarshalText(b []byte) error {
	v, err := ParseFlavor(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ThreadMode controls whether thread-pool workers are pinned to their own
// OS threads.
type ThreadMode int

const (
	ThreadModeAuto ThreadMode = iota
	// ThreadModeShared lets workers share the Go scheduler's threads.
	ThreadModeShared
	// ThreadModeParallel locks every worker goroutine to its own OS thread.
	ThreadModeParallel
)

var threadModeNames = [...]string{
	ThreadModeAuto:     "auto",
	ThreadModeShared:   "pinned-shared",
	ThreadModeParallel: "pinned-parallel",
}

func (m ThreadMode) String() string {
	if m < 0 || int(m) >= len(threadModeNames) {
		return fmt.Sprintf("ThreadMode(%d)", int(m))
	}
	return threadModeNames[m]
}

// ParseThreadMode parses a thread mode. "shared" and "parallel" are accepted
// as short forms.
func ParseThreadMode(s string) (ThreadMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ThreadModeAuto, nil
	case "shared", "pinned-shared", "gil":
		return ThreadModeShared, nil
	case "parallel", "pinned-parallel", "nogil":
		return ThreadModeParallel, nil
	}
	return ThreadModeAuto, fmt.Errorf("unirun: unknown thread mode %q", s)
}

func (m ThreadMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ThreadMode) UnmarshalText(b []byte) error {
	v, err := ParseThreadMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Kind is the backend a decision resolved to.
type Kind int

const (
	KindThreads Kind = iota
	KindProcesses
	KindIsolated
	KindShared
	// KindExternal marks a caller-supplied executor. The registry never
	// constructs or tears down external backends.
	KindExternal
)

var kindNames = [...]string{
	KindThreads:   "threads",
	KindProcesses: "processes",
	KindIsolated:  "isolated",
	KindShared:    "shared-singleton",
	KindExternal:  "external",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	s := string(b)
	for i, name := range kindNames {
		if name == s {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unirun: unknown backend kind %q", s)
}
