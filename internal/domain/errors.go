package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for state machine violations and scheduling.
var (
	// ErrBatchNotFound is returned when a batch ID does not exist.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrWorkerNotFound is returned when a worker ID does not exist.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrReportNotFound is returned when a scheduled report ID does not exist.
	ErrReportNotFound = errors.New("scheduled report not found")

	// ErrBatchBusy is returned when a batch cannot be deleted because at
	// least one of its items is still being processed.
	ErrBatchBusy = errors.New("batch has items in processing")

	// ErrScheduleUnsatisfiable is returned when a cron expression has no
	// matching instant within the forward search bound. Reports with such
	// expressions are auto-deactivated and flagged as misconfigured.
	ErrScheduleUnsatisfiable = errors.New("schedule expression is never satisfiable")
)

// ValidationError rejects malformed input synchronously; it never enters
// the work queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// TransientWorkerError marks an analysis failure that is eligible for
// retry up to the configured attempt limit.
type TransientWorkerError struct {
	Err error
}

func (e *TransientWorkerError) Error() string {
	return fmt.Sprintf("transient worker error: %v", e.Err)
}

func (e *TransientWorkerError) Unwrap() error { return e.Err }

// DispatchError marks a notification delivery failure. It is recorded on
// the report run, never propagated to abort the scheduler tick.
type DispatchError struct {
	Channel string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %v", e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
