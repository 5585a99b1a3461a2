package core

import "time"

// Stable error_signature classifier strings. Used across
// retries, breakers, analytics, and remediation — never the raw error text.
const (
	SigTimeout         = "timeout"
	SigPermissionDenied = "permission_denied"
	SigAPIRateLimit    = "api_rate_limit"
	SigTransient       = "transient_error"
	SigWorkerLost      = "worker_lost"
	SigTestError       = "test_error"
	SigOther           = "other"
)

// RuntimeErrorSignature builds the `runtime_error:<kind>` signature family.
func RuntimeErrorSignature(kind string) string {
	return "runtime_error:" + kind
}

// TraceContext records which route/tools were used for one attempt.
type TraceContext struct {
	Route string   `json:"route,omitempty"`
	Tools []string `json:"tools,omitempty"`
}

// Trace is one execution record for one task-attempt on one agent.
// Written once, on completion, and never mutated again.
type Trace struct {
	TraceID        string       `json:"trace_id"`
	AgentID        string       `json:"agent_id"`
	TaskID         string       `json:"task_id"`
	TaskType       string       `json:"task_type"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        time.Time    `json:"ended_at"`
	Success        bool         `json:"success"`
	DurationMs     float64      `json:"duration_ms"`
	ErrorSignature string       `json:"error_signature,omitempty"`
	Env            Env          `json:"env"`
	Context        TraceContext `json:"context"`
}
