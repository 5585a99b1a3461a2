package core

import "time"

// ProposalStatus tracks a ChangeProposal through QualityGates.
type ProposalStatus string

const (
	ProposalDraft    ProposalStatus = "draft"
	ProposalGated    ProposalStatus = "gated"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalApplied  ProposalStatus = "applied"
	ProposalReverted ProposalStatus = "reverted"
)

// FieldDiff is one field's before/after value within a ChangeProposal.
type FieldDiff struct {
	Field string      `json:"field"`
	From  interface{} `json:"from"`
	To    interface{} `json:"to"`
}

// ProposalMetrics snapshots the metrics QualityGates and Rollback compare
// before and after a change is applied.
type ProposalMetrics struct {
	SuccessRate float64 `json:"success_rate"`
	AvgDuration float64 `json:"avg_duration_ms"`
	SampleSize  int     `json:"sample_size"`
}

// ChangeProposal is a proposed, gated, applied-or-reverted mutation of an
// Agent's configuration, produced by SelfImprovingLoop.
type ChangeProposal struct {
	ID             string          `json:"id"`
	TargetAgentID  string          `json:"target_agent_id"`
	TargetVersion  int64           `json:"target_version"`
	Diff           []FieldDiff     `json:"diff"`
	Justification  string          `json:"justification"`
	RiskClass      RiskClass       `json:"risk_class"`
	Status         ProposalStatus  `json:"status"`
	FailingGate    string          `json:"failing_gate,omitempty"`
	MetricsBefore  ProposalMetrics `json:"metrics_before"`
	MetricsAfter   ProposalMetrics `json:"metrics_after,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	AppliedVersion int64           `json:"applied_version,omitempty"`
}

// Reject marks the proposal rejected, recording which gate failed.
func (c *ChangeProposal) Reject(gate string) {
	c.Status = ProposalRejected
	c.FailingGate = gate
}
