package aios

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/yangfei222666-9/aios/core"
)

// HTTPAgentWorker is the default core.AgentWorker: it never calls an LLM
// or tool SDK itself ("the core never calls an LLM or external API
// directly — it only calls Execute") and instead POSTs the task to the
// agent's own HTTP endpoint, trusting that process to do the actual
// model call. This keeps AIOS's own dependency surface limited to
// net/http regardless of which model providers individual agents use.
type HTTPAgentWorker struct {
	client *http.Client
}

// NewHTTPAgentWorker builds a worker using the given HTTP client, or a
// sane default (no timeout here — the caller's ctx governs deadline, the
// client just needs to respect it).
func NewHTTPAgentWorker(client *http.Client) *HTTPAgentWorker {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPAgentWorker{client: client}
}

type executeRequest struct {
	TaskID      string `json:"task_id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	ModelID     string `json:"model_id"`
	SystemPrompt string `json:"system_prompt"`
}

type executeResponse struct {
	Success     bool        `json:"success"`
	Output      interface{} `json:"output,omitempty"`
	ErrorKind   string      `json:"error_kind,omitempty"`
	ErrorDetail string      `json:"error_detail,omitempty"`
}

// Execute implements core.AgentWorker by POSTing to agent.Metadata["endpoint"].
// An agent with no endpoint configured fails fast with ErrInvalidTaskSpec
// rather than silently succeeding, since there is no one to do the work.
func (w *HTTPAgentWorker) Execute(ctx context.Context, agent *core.Agent, task *core.Task) (core.ExecutionResult, error) {
	endpoint := agent.Metadata["endpoint"]
	if endpoint == "" {
		return core.ExecutionResult{}, fmt.Errorf("agent %s has no worker endpoint configured: %w", agent.ID, core.ErrInvalidTaskSpec)
	}

	started := time.Now()
	body, err := json.Marshal(executeRequest{
		TaskID: task.ID, Type: task.Type, Description: task.Description,
		ModelID: agent.ModelID, SystemPrompt: agent.SystemPrompt,
	})
	if err != nil {
		return core.ExecutionResult{}, fmt.Errorf("aios: marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return core.ExecutionResult{}, fmt.Errorf("aios: build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return core.ExecutionResult{}, fmt.Errorf("worker call for agent %s: %w", agent.ID, core.ErrWorkerLost)
	}
	defer resp.Body.Close()

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return core.ExecutionResult{}, fmt.Errorf("aios: decode execute response: %w", err)
	}

	result := core.ExecutionResult{
		Success:     out.Success,
		DurationMs:  time.Since(started).Milliseconds(),
		Output:      out.Output,
		ErrorKind:   out.ErrorKind,
		ErrorDetail: out.ErrorDetail,
	}
	if !out.Success {
		return result, classifyWorkerError(out.ErrorKind, out.ErrorDetail)
	}
	return result, nil
}

// classifyWorkerError maps an agent's self-reported error_kind back onto
// AIOS's sentinel errors so the scheduler's retry/breaker/signature logic
// applies uniformly regardless of which worker produced the failure.
func classifyWorkerError(kind, detail string) error {
	switch kind {
	case core.SigTimeout:
		return core.ErrTimeout
	case core.SigAPIRateLimit:
		return core.ErrAPIRateLimit
	case core.SigWorkerLost:
		return core.ErrWorkerLost
	case "invalid_task_spec":
		return core.ErrInvalidTaskSpec
	case core.SigPermissionDenied:
		return core.ErrPermissionDenied
	default:
		if detail == "" {
			detail = kind
		}
		return fmt.Errorf("%s: %w", detail, core.ErrTransient)
	}
}
