package unirun

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when acquiring from a runtime whose exit hook
	// already ran.
	ErrClosed = errors.New("unirun: runtime is closed")

	// ErrDoubleRelease is returned when a lease is released twice.
	ErrDoubleRelease = errors.New("unirun: backend released twice")

	// ErrScopeReleased is returned when a scope is exited more than once or
	// used after exit.
	ErrScopeReleased = errors.New("unirun: scope already released")

	// ErrNotEntered is returned when exiting a scope that was never entered.
	ErrNotEntered = errors.New("unirun: scope was never entered")

	// ErrNotOwner is returned by Shutdown on a borrowed executor. Pooled
	// backends are torn down by Reset or the exit hook only.
	ErrNotOwner = errors.New("unirun: executor is borrowed; shutdown belongs to its owner")

	// ErrPoolClosed is returned by Submit once a backend has shut down.
	ErrPoolClosed = errors.New("unirun: pool is closed")
)

// BackendError reports that a backend could not be constructed. It is the
// only failure that surfaces from scope acquisition: capability gaps and
// conflicting overrides are absorbed into the decision instead.
type BackendError struct {
	Kind        Kind
	Fingerprint Fingerprint
	Err         error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("unirun: start %s backend %s: %v", e.Kind, e.Fingerprint, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsBackendError reports whether err (or any error in its chain) is a
// [*BackendError].
func IsBackendError(err error) bool {
	if err == nil {
		return false
	}
	var be *BackendError
	return errors.As(err, &be)
}

// KindOf extracts the backend kind from the first [*BackendError] in err's
// chain. Returns false if no BackendError is found.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return 0, false
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return 0, false
}
