package unirun

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sourcegraph/conc/panics"
)

// PanicError wraps a recovered panic value together with the goroutine
// stack trace captured at the point of the panic.
//
// Backends never let a task panic escape a worker: the panic is converted
// to a *PanicError and delivered through the task's [Future].
type PanicError struct {
	// Value is the original value passed to panic().
	Value any

	// Stack is the goroutine stack trace at the point of panic.
	Stack string
}

// Error returns a human-readable representation of the panic,
// including the value and the full stack trace.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", e.Value, e.Stack)
}

// Unwrap returns the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func newPanicError(r *panics.Recovered) *PanicError {
	return &PanicError{
		Value: r.Value,
		Stack: string(r.Stack),
	}
}

func stack() string {
	// 8 KiB is enough for most stack traces. runtime.Stack truncates
	// gracefully if the buffer is too small.
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// callTask runs task and converts a panic into a *PanicError. A task whose
// context is already done is not started.
func callTask(ctx context.Context, task Task) (v any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r := panics.Try(func() { v, err = task(ctx) }); r != nil {
		return nil, newPanicError(r)
	}
	return v, err
}
