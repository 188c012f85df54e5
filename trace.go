package unirun

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"
)

// Listener observes every published decision.
type Listener func(Decision)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

type subscription struct {
	id ListenerID
	fn Listener
}

// Bus fans decisions out synchronously: first to the publishing scope's own
// sink, then to every global listener in registration order, all on the
// calling goroutine.
type Bus struct {
	mu        sync.RWMutex
	listeners []subscription
	nextID    atomic.Uint64
	last      atomic.Pointer[Decision]
	logger    *slog.Logger
}

// NewBus returns a bus with no listeners.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{logger: logger}
}

// AddListener registers fn and returns an ID for [Bus.RemoveListener].
func (b *Bus) AddListener(fn Listener) ListenerID {
	if fn == nil {
		panic("unirun: AddListener requires a non-nil listener")
	}
	id := ListenerID(b.nextID.Add(1))

	b.mu.Lock()
	b.listeners = append(b.listeners, subscription{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// RemoveListener unregisters a listener. It reports whether id was found.
func (b *Bus) RemoveListener(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.listeners {
		if sub.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns the number of registered listeners.
func (b *Bus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers d to sink (if any) and then to every listener. A
// panicking listener is logged and skipped; it never reaches the caller or
// stops later listeners.
func (b *Bus) Publish(d Decision, sink *traceSink) {
	last := d
	b.last.Store(&last)

	if r := panics.Try(func() { sink.deliver(d) }); r != nil {
		b.logger.Error("trace callback panicked",
			"scope", d.ScopeID,
			"panic", r.Value,
			"stack", string(r.Stack))
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.listeners))
	copy(subs, b.listeners)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.safeCall(sub, d)
	}
}

func (b *Bus) safeCall(sub subscription, d Decision) {
	if r := panics.Try(func() { sub.fn(d) }); r != nil {
		b.logger.Error("decision listener panicked",
			"listener", uint64(sub.id),
			"reason", d.Reason.Code,
			"panic", r.Value,
			"stack", string(r.Stack))
	}
}

// Last returns the most recently published decision process-wide.
func (b *Bus) Last() (Decision, bool) {
	if d := b.last.Load(); d != nil {
		return *d, true
	}
	return Decision{}, false
}

// clearLast forgets the most recent decision.
func (b *Bus) clearLast() {
	b.last.Store(nil)
}

type sinkMode int

const (
	sinkOff sinkMode = iota
	sinkCapture
	sinkCallback
	sinkCopy
)

// traceSink is the per-scope trace request. A nil *traceSink delivers
// nothing.
type traceSink struct {
	mode     sinkMode
	captured Decision
	ok       bool
	fn       func(Decision)
	dst      *Decision
}

func (s *traceSink) deliver(d Decision) {
	if s == nil {
		return
	}
	switch s.mode {
	case sinkCapture:
		s.captured, s.ok = d, true
	case sinkCallback:
		s.fn(d)
	case sinkCopy:
		*s.dst = d
	}
}
