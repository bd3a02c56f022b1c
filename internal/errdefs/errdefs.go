// File: internal/errdefs/errdefs.go
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the shell core. Callers match them with errors.Is.
var (
	// ErrCapacityExceeded is returned when a window is requested at the window limit.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvalidState is returned when an operation is illegal in the target's lifecycle state.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound is returned for unknown session, window, extension or port ids.
	ErrNotFound = errors.New("not found")
	// ErrCancelled is the failure observed by continuations of a cancelled result.
	ErrCancelled = errors.New("cancelled")
)

// BackendError wraps a failure reported by the rendering engine.
type BackendError struct {
	Op  string
	ID  string
	Err error
}

func (e *BackendError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("backend failure during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("backend failure during %s (%s): %v", e.Op, e.ID, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// BackendFailure builds a *BackendError. A nil cause yields nil.
func BackendFailure(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, ID: id, Err: err}
}

// IsBackendFailure reports whether err has a *BackendError in its chain.
func IsBackendFailure(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// NotFound wraps ErrNotFound with the kind and id that were looked up.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// InvalidState wraps ErrInvalidState with a reason.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidState)
}
