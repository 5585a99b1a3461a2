package core

import "context"

// ExecutionResult is what the agent-worker contract returns from one
// execute call.
type ExecutionResult struct {
	Success     bool        `json:"success"`
	DurationMs  int64       `json:"duration_ms"`
	Output      interface{} `json:"output,omitempty"`
	ErrorKind   string      `json:"error_kind,omitempty"`
	ErrorDetail string      `json:"error_detail,omitempty"`
}

// AgentWorker is the external collaborator contract Dispatcher calls
//: execute(agent_snapshot, task_spec, cancellation_token) →
// ExecutionResult. The core never calls an LLM or external API directly
// — it only calls Execute. The worker is trusted to honor ctx
// cancellation within a bounded grace period; if it doesn't, the caller
// marks the task timed out and continues without waiting further.
type AgentWorker interface {
	Execute(ctx context.Context, agent *Agent, task *Task) (ExecutionResult, error)
}
