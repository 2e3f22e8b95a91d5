package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionTimeout marks an attempt that hit the execution deadline.
	ErrExecutionTimeout = errors.New("timed out")
	// ErrExecutionError marks an attempt whose executor returned an error or panicked.
	ErrExecutionError = errors.New("execution error")
	// ErrRetriesExhausted marks a unit that failed its last allowed attempt.
	ErrRetriesExhausted = errors.New("retries exhausted")

	ErrUnitNotFound   = errors.New("unit not found")
	ErrNotCancellable = errors.New("unit not cancellable")
	ErrDuplicateUnit  = errors.New("duplicate unit id")
	// ErrStopped is returned by Submit once Drain has begun.
	ErrStopped = errors.New("dispatcher stopped")
)

// ValidationError rejects a submission. Nothing is queued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
