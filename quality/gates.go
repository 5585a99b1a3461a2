// Package quality implements QualityGates: the three-gate pipeline
// every ChangeProposal must clear before its diff can be applied to an
// Agent. L0 is a fast syntactic/schema check against the proposed field
// values. L1 is a regression replay against a Replayer (an agent-worker's
// trace-replay hook, when one is wired), compared with
// registry.CheckRegression's thresholds; when no Replayer is available,
// L1 is skipped outright and the proposal's risk_class is escalated one
// level instead — an unverifiable change gets more human scrutiny, not a
// confidence-free verdict. L2 is the human gate: medium/high/critical
// risk proposals (including any escalated there by a skipped L1) stop at
// `gated` until an out-of-band approve/reject call resolves them.
package quality

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/registry"
	"github.com/yangfei222666-9/aios/store"
)

const (
	minTimeoutDefault = time.Second
	maxTimeoutDefault = 10 * time.Minute

	gateL0 = "L0"
	gateL1 = "L1"
	gateL2 = "L2"
)

// Replayer is the narrow agent-worker hook L1 uses when a real replay is
// available: re-run the last lastK completed traces of targetAgentID
// against the proposed patch and report the resulting metrics. Gates with
// no Replayer wired skip L1 entirely and escalate the proposal's risk_class
// instead (see Run).
type Replayer interface {
	Replay(ctx context.Context, targetAgentID string, patch core.AgentPatch, lastK int) (core.ProposalMetrics, error)
}

// Config tunes QualityGates.
type Config struct {
	Quality      core.QualityConfig
	ReplayWindow int // K: traces replayed per L1 check, when a Replayer is wired
}

func DefaultConfig(quality core.QualityConfig) Config {
	return Config{Quality: quality, ReplayWindow: 20}
}

// Gates runs a ChangeProposal through L0/L1/L2 and persists every status
// transition to the proposals stream.
type Gates struct {
	cfg      Config
	replayer Replayer // nil: L1 is skipped and risk_class is escalated instead
	es       *store.EventStore
	emitter  core.EventEmitter
	clock    core.Clock
}

// NewGates wires a Gates. replayer and es may both be nil.
func NewGates(cfg Config, replayer Replayer, es *store.EventStore, emitter core.EventEmitter, clock core.Clock) *Gates {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultConfig(cfg.Quality).ReplayWindow
	}
	if emitter == nil {
		emitter = core.NoOpEmitter{}
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Gates{cfg: cfg, replayer: replayer, es: es, emitter: emitter, clock: clock}
}

// Run evaluates proposal against L0, then L1, then L2 in order, stopping at
// the first gate that fails and mutating proposal.Status/FailingGate (and,
// when L1 is skipped, RiskClass) in place. Run returns an error only for an
// infrastructure failure (replay call, persistence); a proposal failing a
// gate on its merits is not an error.
func (g *Gates) Run(ctx context.Context, proposal *core.ChangeProposal, patch core.AgentPatch) error {
	if reason := validateDiff(proposal.Diff, patch); reason != "" {
		proposal.Reject(gateL0)
		return g.finish(proposal, reason)
	}

	if g.replayer != nil {
		regressed, err := g.checkRegression(ctx, proposal, patch)
		if err != nil {
			return fmt.Errorf("quality: L1 replay for proposal %s: %w", proposal.ID, err)
		}
		if regressed {
			proposal.Reject(gateL1)
			return g.finish(proposal, "")
		}
	} else {
		proposal.RiskClass = escalateRisk(proposal.RiskClass)
	}

	if requiresL2(proposal.RiskClass) {
		proposal.Status = core.ProposalGated
		return g.finish(proposal, "")
	}

	proposal.Status = core.ProposalApproved
	return g.finish(proposal, "")
}

// Approve resolves a gated proposal after an out-of-band operator
// decision. It backs the control surface's approve_proposal call.
func (g *Gates) Approve(proposal *core.ChangeProposal) error {
	if proposal.Status != core.ProposalGated {
		return fmt.Errorf("quality: proposal %s is not gated (status=%s): %w", proposal.ID, proposal.Status, core.ErrInvalidConfiguration)
	}
	proposal.Status = core.ProposalApproved
	return g.finish(proposal, "")
}

// RejectGated resolves a gated proposal with an operator rejection. It
// backs the control surface's reject_proposal call.
func (g *Gates) RejectGated(proposal *core.ChangeProposal, reason string) error {
	if proposal.Status != core.ProposalGated {
		return fmt.Errorf("quality: proposal %s is not gated (status=%s): %w", proposal.ID, proposal.Status, core.ErrInvalidConfiguration)
	}
	proposal.Reject(gateL2)
	return g.finish(proposal, reason)
}

func (g *Gates) checkRegression(ctx context.Context, proposal *core.ChangeProposal, patch core.AgentPatch) (bool, error) {
	replayed, err := g.replayer.Replay(ctx, proposal.TargetAgentID, patch, g.cfg.ReplayWindow)
	if err != nil {
		return false, err
	}
	proposal.MetricsAfter = replayed
	return registry.CheckRegression(proposal.MetricsBefore, replayed, g.cfg.Quality), nil
}

func requiresL2(risk core.RiskClass) bool {
	return risk == core.RiskMedium || risk == core.RiskHigh || risk == core.RiskCritical
}

// escalateRisk raises a proposal's risk class by one level. RiskCritical is
// already the ceiling, so it is its own escalation.
func escalateRisk(risk core.RiskClass) core.RiskClass {
	switch risk {
	case core.RiskLow:
		return core.RiskMedium
	case core.RiskMedium:
		return core.RiskHigh
	default:
		return core.RiskCritical
	}
}

// validateDiff checks every FieldDiff's target value against the known
// shape of core.AgentPatch's fields, returning a rejection reason
// or "" when every entry is well-formed. patch is the already-decoded form
// of the same diff — validateDiff re-checks the raw diff entries rather
// than trusting the decode step, since a FieldDiff can name a field patch
// decoding silently ignored.
func validateDiff(diff []core.FieldDiff, patch core.AgentPatch) string {
	for _, d := range diff {
		switch d.Field {
		case "timeout_default":
			if patch.TimeoutDefault == nil {
				return fmt.Sprintf("diff names field %q but no timeout_default was decoded", d.Field)
			}
		case "thinking_level":
			if patch.ThinkingLevel == nil {
				return fmt.Sprintf("diff names field %q but no thinking_level was decoded", d.Field)
			}
		case "system_prompt":
			if patch.SystemPrompt == nil {
				return fmt.Sprintf("diff names field %q but no system_prompt was decoded", d.Field)
			}
		case "model_id":
			if patch.ModelID == nil {
				return fmt.Sprintf("diff names field %q but no model_id was decoded", d.Field)
			}
		default:
			return fmt.Sprintf("diff names unrecognized field %q", d.Field)
		}
	}

	if patch.TimeoutDefault != nil {
		if *patch.TimeoutDefault < minTimeoutDefault || *patch.TimeoutDefault > maxTimeoutDefault {
			return fmt.Sprintf("timeout_default %s is outside the allowed range [%s, %s]", *patch.TimeoutDefault, minTimeoutDefault, maxTimeoutDefault)
		}
	}
	if patch.ThinkingLevel != nil {
		switch *patch.ThinkingLevel {
		case core.ThinkingOff, core.ThinkingLow, core.ThinkingMedium, core.ThinkingHigh:
		default:
			return fmt.Sprintf("thinking_level %q is not a recognized level", *patch.ThinkingLevel)
		}
	}
	if patch.SystemPrompt != nil && strings.TrimSpace(*patch.SystemPrompt) == "" {
		return "system_prompt must not be empty"
	}
	if patch.ModelID != nil && strings.TrimSpace(*patch.ModelID) == "" {
		return "model_id must not be empty"
	}
	return ""
}

func (g *Gates) finish(proposal *core.ChangeProposal, reason string) error {
	g.emit(proposal, reason)
	if g.es == nil {
		return nil
	}
	if _, err := g.es.Append(store.StreamProposals, proposal, true); err != nil {
		return fmt.Errorf("quality: persist proposal %s: %w", proposal.ID, err)
	}
	return nil
}

func (g *Gates) emit(proposal *core.ChangeProposal, reason string) {
	eventType := "proposal." + string(proposal.Status)
	payload := map[string]interface{}{
		"proposal_id":     proposal.ID,
		"target_agent_id": proposal.TargetAgentID,
		"status":          string(proposal.Status),
	}
	if proposal.FailingGate != "" {
		payload["failing_gate"] = proposal.FailingGate
	}
	if reason != "" {
		payload["reason"] = reason
	}
	e, err := core.NewEvent(eventType, "quality", g.clock.Now().UnixMilli(), payload)
	if err != nil {
		return
	}
	e.Durable = true
	g.emitter.Emit(*e)
}
