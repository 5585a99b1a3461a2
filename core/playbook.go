package core

import "time"

// RiskClass gates how a Playbook or ChangeProposal may be applied.
// auto_execute playbooks and auto-applied proposals both require `low`.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// ActionType enumerates the declarative Reactor action kinds.
type ActionType string

const (
	ActionConfigUpdate     ActionType = "config.update"
	ActionAgentRestart     ActionType = "agent.restart"
	ActionNotify           ActionType = "notify"
	ActionExecCommand      ActionType = "exec.command"
	ActionSchedulerEnqueue ActionType = "scheduler.enqueue"
	ActionRollbackTrigger  ActionType = "rollback.trigger"
)

// ActionDescriptor is one declarative step of a Playbook's action list.
type ActionDescriptor struct {
	Type   ActionType             `json:"type"`
	Params map[string]interface{} `json:"params"`
}

// Trigger matches an event type pattern plus an optional condition
// predicate over the event payload.
type Trigger struct {
	EventPattern string      `json:"event_pattern"`
	Condition    *Condition  `json:"condition,omitempty"`
}

// ConditionOp is the comparison a Condition applies to one payload field.
type ConditionOp string

const (
	CondEquals     ConditionOp = "equals"
	CondGreater    ConditionOp = "greater_than"
	CondLess       ConditionOp = "less_than"
	CondMatchRegex ConditionOp = "regex"
)

// Condition is a single predicate over one event payload field.
type Condition struct {
	Field string      `json:"field"`
	Op    ConditionOp `json:"op"`
	Value interface{} `json:"value"`
}

// VerifyPredicate describes the post-action check the Reactor runs before
// declaring a playbook execution successful. It names the
// metric/bound the action-handler's verify hook is expected to check;
// evaluation itself is delegated to a registered verifier function.
type VerifyPredicate struct {
	Metric string        `json:"metric"`
	Bound  float64       `json:"bound"`
	Window time.Duration `json:"window"`
}

// Playbook is a remediation rule. auto_execute=true requires
// risk_class=low; two successive executions cannot be closer than
// cooldown_ms apart (enforced by reactor.Reactor, not here).
type Playbook struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Trigger          Trigger            `json:"trigger"`
	Actions          []ActionDescriptor `json:"actions"`
	RiskClass        RiskClass          `json:"risk_class"`
	AutoExecute      bool               `json:"auto_execute"`
	CooldownMs       int64              `json:"cooldown_ms"`
	Verify           *VerifyPredicate   `json:"verify,omitempty"`
	RollbackActions  []ActionDescriptor `json:"rollback_actions,omitempty"`
	MultiMatch       bool               `json:"multi_match,omitempty"`
	LastExecutedTs   *time.Time         `json:"last_executed_ts,omitempty"`
	ExecutionCount   int64              `json:"execution_count"`
}

// Valid enforces the auto_execute ⇒ risk_class=low invariant.
func (p *Playbook) Valid() bool {
	if p.AutoExecute && p.RiskClass != RiskLow {
		return false
	}
	return p.ID != "" && p.Trigger.EventPattern != ""
}

// WithinCooldown reports whether `now` is within cooldown_ms of the last
// execution.
func (p *Playbook) WithinCooldown(now time.Time) bool {
	if p.LastExecutedTs == nil {
		return false
	}
	elapsed := now.Sub(*p.LastExecutedTs)
	return elapsed < time.Duration(p.CooldownMs)*time.Millisecond
}
