package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Event is an immutable record produced by any component. Once emitted it
// is never mutated; timestamp_ms is monotonically non-decreasing per
// emitting goroutine (callers are expected to call NewEvent from a single
// emitter path, see bus.EventBus.Emit).
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	TimestampMs int64                  `json:"timestamp_ms"`
	Payload     map[string]interface{} `json:"payload"`
	TaskID      string                 `json:"task_id,omitempty"`
	AgentID     string                 `json:"agent_id,omitempty"`
	TraceID     string                 `json:"trace_id,omitempty"`

	// Durable marks an event that must survive a crash (error and
	// state-change events); bulk telemetry may be best-effort.
	Durable bool `json:"durable,omitempty"`

	// Severity gates the EventBus backpressure policy: events below
	// SeverityWarning may be dropped under load; warnings and errors never are.
	Severity Severity `json:"severity,omitempty"`
}

// Severity buckets used by the EventBus backpressure policy: events
// below warning may be dropped when the delivery queue is saturated.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// NewEvent constructs an Event with a fresh id and the given timestamp.
// timestampMs is passed in rather than computed here so the emitter can
// enforce per-thread monotonicity (see bus.EventBus).
func NewEvent(eventType, source string, timestampMs int64, payload map[string]interface{}) (*Event, error) {
	if err := ValidateEventType(eventType); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Source:      source,
		TimestampMs: timestampMs,
		Payload:     payload,
	}, nil
}

// ValidateEventType enforces the non-empty dotted-identifier shape
// required for emit().
func ValidateEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event type must be non-empty: %w", ErrInvalidTaskSpec)
	}
	for _, segment := range strings.Split(eventType, ".") {
		if segment == "" {
			return fmt.Errorf("event type %q has an empty dotted segment: %w", eventType, ErrInvalidTaskSpec)
		}
	}
	return nil
}

// MatchesPattern implements the subscribe() pattern language: a bare
// "*" matches every event type; a pattern ending in ".*" matches any event
// type that has that literal prefix plus one or more further segments
// (so "agent.*" matches "agent.task.started" but not the bare "agent");
// anything else must match the event type exactly.
func MatchesPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".") && eventType != prefix
	}
	return pattern == eventType
}

// Event-type naming convention: stable top-level namespaces.
const (
	EventNamespaceCore      = "core"
	EventNamespaceAgent     = "agent"
	EventNamespaceTask      = "task"
	EventNamespaceScheduler = "scheduler"
	EventNamespaceReactor   = "reactor"
	EventNamespaceBreaker   = "breaker"
	EventNamespaceProposal  = "proposal"
	EventNamespaceRollback  = "rollback"
	EventNamespaceAlert     = "alert"
	EventNamespaceResource  = "resource"
)
