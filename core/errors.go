package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is(). These map directly onto
// the error taxonomy: transient errors are retried by the scheduler,
// config errors are surfaced to the submitter, systemic errors degrade the
// system gracefully, policy errors are surfaced to router/dispatcher/operator.
var (
	// Transient — retried by Scheduler up to max_retries.
	ErrTimeout         = errors.New("timeout")
	ErrAPIRateLimit    = errors.New("api_rate_limit")
	ErrTransient       = errors.New("transient_error")
	ErrWorkerLost      = errors.New("worker_lost")

	// Config — not retried, surfaced to submitter as task.rejected.
	ErrInvalidTaskSpec  = errors.New("invalid_task_spec")
	ErrUnknownAgent     = errors.New("unknown_agent")
	ErrPermissionDenied = errors.New("permission_denied")

	// Policy — surfaced to router/dispatcher and operators.
	ErrBreakerOpen = errors.New("breaker_open")
	ErrQuarantined = errors.New("quarantined")

	// Systemic — cause graceful degradation until cleared.
	ErrStorageExhausted   = errors.New("storage_exhausted")
	ErrStorageCorrupt     = errors.New("storage_corrupt")
	ErrBusOverloaded      = errors.New("bus_overloaded")
	ErrSchedulerSaturated = errors.New("scheduler_saturated")

	// Entity lookups.
	ErrTaskNotFound     = errors.New("task not found")
	ErrPlanNotFound     = errors.New("plan not found")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrTraceNotFound    = errors.New("trace not found")
	ErrPlaybookNotFound = errors.New("playbook not found")
	ErrProposalNotFound = errors.New("proposal not found")

	// Generic configuration/state errors, kept for FrameworkError wrapping.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrAlreadyStarted       = errors.New("already started")
	ErrNotInitialized       = errors.New("not initialized")
)

// FrameworkError provides structured error information with context.
type FrameworkError struct {
	Op      string // operation that failed, e.g. "scheduler.submit"
	Kind    string // error kind, e.g. "task", "agent", "config"
	ID      string // optional id of the entity involved
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error {
	return e.Err
}

func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether a failure with this error_signature should be
// re-enqueued by the Scheduler rather than failed outright.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrAPIRateLimit) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrWorkerLost)
}

// IsConfigError reports whether a failure is a submitter-facing config
// error (never retried).
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidTaskSpec) ||
		errors.Is(err, ErrUnknownAgent) ||
		errors.Is(err, ErrPermissionDenied)
}

// IsPolicyError reports whether a failure stems from a breaker or
// quarantine policy decision rather than the task itself.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrBreakerOpen) || errors.Is(err, ErrQuarantined)
}

// IsSystemic reports whether a failure indicates the core itself is
// degraded (storage, bus, scheduler) rather than a single task.
func IsSystemic(err error) bool {
	return errors.Is(err, ErrStorageExhausted) ||
		errors.Is(err, ErrStorageCorrupt) ||
		errors.Is(err, ErrBusOverloaded) ||
		errors.Is(err, ErrSchedulerSaturated)
}

// IsNotFound reports whether an error represents a missing entity lookup.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrTraceNotFound) ||
		errors.Is(err, ErrPlaybookNotFound) ||
		errors.Is(err, ErrProposalNotFound)
}
