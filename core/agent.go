package core

import "time"

// ThinkingLevel is the reasoning-effort knob SelfImprovingLoop can raise
// in response to a high failure rate.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// Env distinguishes production agents from test agents; traces and
// self-improvement both filter on it.
type Env string

const (
	EnvProd Env = "prod"
	EnvTest Env = "test"
)

// AgentStats is the fast-path stats counter updated on every Trace write,
// without bumping config_version.
type AgentStats struct {
	TasksCompleted int64     `json:"tasks_completed"`
	TasksFailed    int64     `json:"tasks_failed"`
	SuccessRate    float64   `json:"success_rate"`
	AvgDurationMs  float64   `json:"avg_duration_ms"`
	LastFailureTs  time.Time `json:"last_failure_ts,omitempty"`
}

// Record folds one trace outcome into the running stats.
func (s *AgentStats) Record(success bool, durationMs float64, at time.Time) {
	total := s.TasksCompleted + s.TasksFailed
	s.AvgDurationMs = (s.AvgDurationMs*float64(total) + durationMs) / float64(total+1)
	if success {
		s.TasksCompleted++
	} else {
		s.TasksFailed++
		s.LastFailureTs = at
	}
	grandTotal := s.TasksCompleted + s.TasksFailed
	if grandTotal > 0 {
		s.SuccessRate = float64(s.TasksCompleted) / float64(grandTotal)
	}
}

// Agent is a configurable execution role. AgentRegistry owns the
// authoritative copy; callers only ever see snapshots of it.
type Agent struct {
	ID             string            `json:"id"`
	RoleName       string            `json:"role_name"`
	TaskTypes      []string          `json:"task_types"`
	ModelID        string            `json:"model_id"`
	ThinkingLevel  ThinkingLevel     `json:"thinking_level"`
	TimeoutDefault time.Duration     `json:"timeout_default"`
	SystemPrompt   string            `json:"system_prompt"`
	ToolPerms      []string          `json:"tool_permissions"`
	PriorityClass  string            `json:"priority_class"`
	ConfigVersion  int64             `json:"config_version"`
	Stats          AgentStats        `json:"stats"`
	Env            Env               `json:"env"`
	Keywords       []string          `json:"keywords,omitempty"`
	Critical       bool              `json:"critical,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Eligible reports whether the agent accepts the given task type and
// runs in the requested environment.
func (a *Agent) Eligible(taskType string, env Env) bool {
	if a.Env != env {
		return false
	}
	for _, t := range a.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy for copy-on-write registry semantics:
// mutating the clone never affects the original.
func (a *Agent) Clone() *Agent {
	clone := *a
	clone.TaskTypes = append([]string(nil), a.TaskTypes...)
	clone.ToolPerms = append([]string(nil), a.ToolPerms...)
	clone.Keywords = append([]string(nil), a.Keywords...)
	if a.Metadata != nil {
		clone.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// AgentPatch describes a proposed or applied mutation to an Agent's
// configuration fields (used by ChangeProposal.Diff and registry.Update).
type AgentPatch struct {
	TimeoutDefault *time.Duration `json:"timeout_default,omitempty"`
	ThinkingLevel  *ThinkingLevel `json:"thinking_level,omitempty"`
	SystemPrompt   *string        `json:"system_prompt,omitempty"`
	ModelID        *string        `json:"model_id,omitempty"`
}

// Apply mutates a (cloned) Agent in place according to the patch.
func (p AgentPatch) Apply(a *Agent) {
	if p.TimeoutDefault != nil {
		a.TimeoutDefault = *p.TimeoutDefault
	}
	if p.ThinkingLevel != nil {
		a.ThinkingLevel = *p.ThinkingLevel
	}
	if p.SystemPrompt != nil {
		a.SystemPrompt = *p.SystemPrompt
	}
	if p.ModelID != nil {
		a.ModelID = *p.ModelID
	}
}
