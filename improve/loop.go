// Package improve implements SelfImprovingLoop: on each cycle it
// observes recent production traces per agent, analyzes failure patterns
// against an adaptive per-agent threshold, proposes a ChangeProposal,
// routes it through QualityGates, applies approved low-risk changes via
// AgentRegistry, and reverts through Rollback if a post-apply verification
// window shows regression. The rule-based finding->patch mapping is
// deterministic — rules decide, the LLM only narrates: an optional
// core.AIClient enriches the proposal's justification text, never the
// gate/apply decision itself.
package improve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/registry"
	"github.com/yangfei222666-9/aios/store"
)

// AgentLister is the narrow slice of registry.AgentRegistry the loop needs
// to enumerate candidates each cycle.
type AgentLister interface {
	List() []*core.Agent
}

// AgentUpdater is the narrow slice of registry.AgentRegistry the loop needs
// to apply an approved proposal.
type AgentUpdater interface {
	UpdateWithProposal(id string, patch core.AgentPatch, proposalID string) (int64, error)
}

// Reverter is the narrow slice of registry.Rollback the loop needs when a
// post-apply verification window shows regression.
type Reverter interface {
	RevertByProposal(agentID, proposalID string) error
}

// Gater is the narrow slice of quality.Gates the loop routes every
// proposal through.
type Gater interface {
	Run(ctx context.Context, proposal *core.ChangeProposal, patch core.AgentPatch) error
}

// Config tunes the loop's adaptive threshold and frequency
// classification. Quality carries the shared window/threshold/cooldown knobs
// already defined for QualityGates and Rollback.
type Config struct {
	Quality            core.QualityConfig
	FreqThresholds     map[string]int // freq_class -> base error-signature count threshold
	CriticalMultiplier float64        // applied to base when Agent.Critical
	TargetSuccessRate  float64        // below this, a "low success_rate" finding fires
	HighFreqPerDay     float64        // tasks/day at or above this -> freq_class "high"
	MediumFreqPerDay   float64        // tasks/day at or above this -> freq_class "medium"; below is "low"
}

func DefaultConfig(quality core.QualityConfig) Config {
	return Config{
		Quality:            quality,
		FreqThresholds:     map[string]int{"high": 20, "medium": 10, "low": 5},
		CriticalMultiplier: 0.5,
		TargetSuccessRate:  0.90,
		HighFreqPerDay:     100,
		MediumFreqPerDay:   20,
	}
}

// Loop runs one SelfImprovingLoop cycle per call to Run, intended to be
// driven by Heartbeat on its own cadence.
type Loop struct {
	cfg      Config
	es       *store.EventStore
	agents   AgentLister
	updater  AgentUpdater
	reverter Reverter
	gates    Gater
	aiClient core.AIClient // optional: enriches justification text only
	emitter  core.EventEmitter
	clock    core.Clock
	tel      core.Telemetry

	mu             sync.Mutex
	lastCycle      map[string]time.Time
	awaitingVerify map[string]*verifyEntry
}

type verifyEntry struct {
	proposal  *core.ChangeProposal
	agentID   string
	appliedAt time.Time
	dueAt     time.Time
}

// NewLoop wires a Loop. aiClient and es may both be nil.
func NewLoop(cfg Config, es *store.EventStore, agents AgentLister, updater AgentUpdater, reverter Reverter, gates Gater,
	aiClient core.AIClient, emitter core.EventEmitter, clock core.Clock) *Loop {
	if emitter == nil {
		emitter = core.NoOpEmitter{}
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Loop{
		cfg: cfg, es: es, agents: agents, updater: updater, reverter: reverter, gates: gates,
		aiClient: aiClient, emitter: emitter, clock: clock, tel: &core.NoOpTelemetry{},
		lastCycle:      map[string]time.Time{},
		awaitingVerify: map[string]*verifyEntry{},
	}
}

// SetTelemetry installs span instrumentation around each agent's
// observe/analyze/propose cycle. Call before Run; defaults to no-op.
func (l *Loop) SetTelemetry(tel core.Telemetry) {
	if tel != nil {
		l.tel = tel
	}
}

// Run executes one cycle: every agent past its cooldown gets an
// observe/analyze/propose/gate/apply attempt, and every proposal whose
// verification window has elapsed gets checked for regression. Errors
// from individual agents or proposals are joined rather than aborting the
// whole cycle — one agent's observation failure must not block every
// other agent's cycle.
func (l *Loop) Run(ctx context.Context, now time.Time) error {
	var errs []error
	for _, agent := range l.agents.List() {
		if !l.dueForCycle(agent.ID, now) {
			continue
		}
		if err := l.runAgentCycle(ctx, agent, now); err != nil {
			errs = append(errs, err)
		}
		l.mu.Lock()
		l.lastCycle[agent.ID] = now
		l.mu.Unlock()
	}
	if err := l.runDueVerifications(ctx, now); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (l *Loop) dueForCycle(agentID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.lastCycle[agentID]
	if !ok {
		return true
	}
	return now.Sub(last) >= l.cfg.Quality.AgentCooldown
}

func (l *Loop) runAgentCycle(ctx context.Context, agent *core.Agent, now time.Time) error {
	ctx, span := l.tel.StartSpan(ctx, "improve.cycle")
	span.SetAttribute("agent_id", agent.ID)
	defer span.End()

	windowStart := now.Add(-l.cfg.Quality.ObserveWindow)
	traces, err := l.readTraces(agent.ID, windowStart, now)
	if err != nil {
		return fmt.Errorf("improve: observe traces for agent %s: %w", agent.ID, err)
	}
	if len(traces) == 0 {
		return nil
	}

	f := l.analyze(agent, traces)
	if f == nil {
		return nil
	}

	patch, risk, base := propose(f, agent)
	proposal := &core.ChangeProposal{
		ID:            uuid.New().String(),
		TargetAgentID: agent.ID,
		TargetVersion: agent.ConfigVersion,
		Diff:          diffFromPatch(agent, patch),
		Justification: l.justify(ctx, base, agent, f),
		RiskClass:     risk,
		Status:        core.ProposalDraft,
		MetricsBefore: aggregateMetrics(traces),
		CreatedAt:     now,
	}
	l.emit("proposal.created", proposal, nil)
	if err := l.persist(proposal); err != nil {
		return err
	}

	if err := l.gates.Run(ctx, proposal, patch); err != nil {
		return fmt.Errorf("improve: gate proposal %s: %w", proposal.ID, err)
	}

	// No change with risk_class above low is ever applied without an
	// approved proposal — requiresL2 already keeps anything above low
	// from reaching "approved" on its own, but the check is repeated
	// here rather than trusted blindly.
	if proposal.Status != core.ProposalApproved || proposal.RiskClass != core.RiskLow {
		return nil
	}

	version, err := l.updater.UpdateWithProposal(agent.ID, patch, proposal.ID)
	if err != nil {
		return fmt.Errorf("improve: apply proposal %s: %w", proposal.ID, err)
	}
	proposal.AppliedVersion = version
	proposal.Status = core.ProposalApplied
	l.emit("proposal.applied", proposal, map[string]interface{}{"applied_version": version})
	if err := l.persist(proposal); err != nil {
		return err
	}

	l.mu.Lock()
	l.awaitingVerify[proposal.ID] = &verifyEntry{
		proposal:  proposal,
		agentID:   agent.ID,
		appliedAt: now,
		dueAt:     now.Add(l.cfg.Quality.ObserveWindow),
	}
	l.mu.Unlock()
	return nil
}

func (l *Loop) runDueVerifications(ctx context.Context, now time.Time) error {
	l.mu.Lock()
	var due []*verifyEntry
	for id, entry := range l.awaitingVerify {
		if !entry.dueAt.After(now) {
			due = append(due, entry)
			delete(l.awaitingVerify, id)
		}
	}
	l.mu.Unlock()

	var errs []error
	for _, entry := range due {
		if err := l.verifyOne(entry, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// verifyOne closes out an applied proposal: compare metrics_after against
// metrics_before, reverting through Rollback when the comparison crosses
// the same thresholds registry.CheckRegression already applies to
// Rollback's own automatic trigger — one regression definition, not
// two.
func (l *Loop) verifyOne(entry *verifyEntry, now time.Time) error {
	proposal := entry.proposal
	traces, err := l.readTraces(entry.agentID, entry.appliedAt, now)
	if err != nil {
		return fmt.Errorf("improve: verify observe for proposal %s: %w", proposal.ID, err)
	}
	proposal.MetricsAfter = aggregateMetrics(traces)

	if registry.CheckRegression(proposal.MetricsBefore, proposal.MetricsAfter, l.cfg.Quality) {
		if err := l.reverter.RevertByProposal(entry.agentID, proposal.ID); err != nil {
			return fmt.Errorf("improve: revert proposal %s: %w", proposal.ID, err)
		}
		proposal.Status = core.ProposalReverted
		l.emit("proposal.reverted", proposal, nil)
	} else {
		l.emit("proposal.verified", proposal, nil)
	}
	return l.persist(proposal)
}

func (l *Loop) readTraces(agentID string, from, until time.Time) ([]core.Trace, error) {
	if l.es == nil {
		return nil, nil
	}
	filter := func(rec store.Record) bool { return rec.TsMs >= from.UnixMilli() }
	records, err := l.es.Read(store.StreamTraces, filter, -1, until)
	if err != nil {
		return nil, err
	}
	traces := make([]core.Trace, 0, len(records))
	for _, rec := range records {
		var t core.Trace
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			continue // tolerate a record another component wrote in an incompatible shape
		}
		if t.AgentID != agentID || t.Env != core.EnvProd {
			continue
		}
		traces = append(traces, t)
	}
	return traces, nil
}

func aggregateMetrics(traces []core.Trace) core.ProposalMetrics {
	if len(traces) == 0 {
		return core.ProposalMetrics{}
	}
	var successes int
	var totalDuration float64
	for _, t := range traces {
		if t.Success {
			successes++
		}
		totalDuration += t.DurationMs
	}
	return core.ProposalMetrics{
		SuccessRate: float64(successes) / float64(len(traces)),
		AvgDuration: totalDuration / float64(len(traces)),
		SampleSize:  len(traces),
	}
}

// finding is one candidate improvement opportunity surfaced by analyze.
type finding struct {
	kind        string // "error_signature" or "success_rate"
	signature   string // set when kind == "error_signature"
	count       int
	tasksPerDay float64
}

// analyze identifies a dominant error signature
// whose count meets the adaptive threshold, or a below-target success
// rate, over the observed window. At most one finding is returned per
// cycle — the dominant error signature takes priority over a generic
// success_rate finding, since it points at a more specific fix.
func (l *Loop) analyze(agent *core.Agent, traces []core.Trace) *finding {
	windowHours := l.cfg.Quality.ObserveWindow.Hours()
	if windowHours <= 0 {
		windowHours = 24
	}
	tasksPerDay := float64(len(traces)) / (windowHours / 24)
	threshold := l.adaptiveThreshold(agent, tasksPerDay)

	counts := map[string]int{}
	var successes int
	for _, t := range traces {
		if t.ErrorSignature != "" {
			counts[t.ErrorSignature]++
		}
		if t.Success {
			successes++
		}
	}

	var bestSig string
	var bestCount int
	for sig, c := range counts {
		if c >= threshold && c > bestCount {
			bestSig, bestCount = sig, c
		}
	}
	if bestSig != "" {
		return &finding{kind: "error_signature", signature: bestSig, count: bestCount, tasksPerDay: tasksPerDay}
	}

	successRate := float64(successes) / float64(len(traces))
	if successRate < l.cfg.TargetSuccessRate {
		return &finding{kind: "success_rate", count: len(traces), tasksPerDay: tasksPerDay}
	}
	return nil
}

// adaptiveThreshold computes threshold = base(freq_class) ×
// is_critical_multiplier. Critical agents get a lower bar — their failures
// matter more, so the loop should react to fewer of them.
func (l *Loop) adaptiveThreshold(agent *core.Agent, tasksPerDay float64) int {
	base := l.cfg.FreqThresholds[freqClass(l.cfg, tasksPerDay)]
	if base <= 0 {
		base = 1
	}
	if agent.Critical {
		base = int(float64(base) * l.cfg.CriticalMultiplier)
	}
	if base < 1 {
		base = 1
	}
	return base
}

func freqClass(cfg Config, tasksPerDay float64) string {
	switch {
	case tasksPerDay >= cfg.HighFreqPerDay:
		return "high"
	case tasksPerDay >= cfg.MediumFreqPerDay:
		return "medium"
	default:
		return "low"
	}
}

// propose maps a finding to a patch for the two knobs
// AgentPatch actually exposes (timeout_default, thinking_level). The spec
// also names "repeated api_rate_limit → lower concurrency," but Agent has
// no per-agent concurrency field — concurrency is a Scheduler-wide
// setting, not an agent config knob — so an api_rate_limit finding
// substitutes a timeout_default increase (rate-limited calls often
// succeed on retry given more budget) at risk_class=medium instead of
// low, routing it to the human gate rather than auto-applying a
// substitute fix.
func propose(f *finding, agent *core.Agent) (core.AgentPatch, core.RiskClass, string) {
	switch {
	case f.kind == "error_signature" && f.signature == core.SigTimeout:
		next := time.Duration(float64(agent.TimeoutDefault) * 1.5)
		return core.AgentPatch{TimeoutDefault: &next}, core.RiskLow,
			fmt.Sprintf("observed %d timeout errors (adaptive threshold reached) over the window; raising timeout_default from %s to %s",
				f.count, agent.TimeoutDefault, next)

	case f.kind == "error_signature" && f.signature == core.SigAPIRateLimit:
		next := time.Duration(float64(agent.TimeoutDefault) * 1.5)
		return core.AgentPatch{TimeoutDefault: &next}, core.RiskMedium,
			fmt.Sprintf("observed %d api_rate_limit errors over the window; no per-agent concurrency knob exists, substituting a timeout_default increase from %s to %s pending review",
				f.count, agent.TimeoutDefault, next)

	case f.kind == "success_rate":
		next := raiseThinking(agent.ThinkingLevel)
		return core.AgentPatch{ThinkingLevel: &next}, core.RiskLow,
			fmt.Sprintf("success_rate below target over %d sampled traces; raising thinking_level from %s to %s",
				f.count, agent.ThinkingLevel, next)

	default:
		next := time.Duration(float64(agent.TimeoutDefault) * 1.5)
		return core.AgentPatch{TimeoutDefault: &next}, core.RiskLow,
			fmt.Sprintf("observed %d %q errors over the window; raising timeout_default from %s to %s",
				f.count, f.signature, agent.TimeoutDefault, next)
	}
}

func raiseThinking(level core.ThinkingLevel) core.ThinkingLevel {
	switch level {
	case core.ThinkingOff:
		return core.ThinkingLow
	case core.ThinkingLow:
		return core.ThinkingMedium
	default:
		return core.ThinkingHigh
	}
}

func diffFromPatch(agent *core.Agent, patch core.AgentPatch) []core.FieldDiff {
	var diffs []core.FieldDiff
	if patch.TimeoutDefault != nil {
		diffs = append(diffs, core.FieldDiff{Field: "timeout_default", From: agent.TimeoutDefault.String(), To: patch.TimeoutDefault.String()})
	}
	if patch.ThinkingLevel != nil {
		diffs = append(diffs, core.FieldDiff{Field: "thinking_level", From: string(agent.ThinkingLevel), To: string(*patch.ThinkingLevel)})
	}
	if patch.SystemPrompt != nil {
		diffs = append(diffs, core.FieldDiff{Field: "system_prompt", From: agent.SystemPrompt, To: *patch.SystemPrompt})
	}
	if patch.ModelID != nil {
		diffs = append(diffs, core.FieldDiff{Field: "model_id", From: agent.ModelID, To: *patch.ModelID})
	}
	return diffs
}

// justify returns base, optionally rewritten by aiClient into a more
// readable sentence for an operator. An LLM failure or empty response
// silently keeps base — enrichment is never allowed to block a proposal
// the rule-based analysis already produced.
func (l *Loop) justify(ctx context.Context, base string, agent *core.Agent, f *finding) string {
	if l.aiClient == nil {
		return base
	}
	prompt := buildJustificationPrompt(agent, f, base)
	resp, err := l.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{Temperature: 0, MaxTokens: 200})
	if err != nil {
		return base
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return base
	}
	return text
}

func buildJustificationPrompt(agent *core.Agent, f *finding, base string) string {
	return fmt.Sprintf(`You are summarizing a proposed configuration change for an autonomous agent operations system.

AGENT: %s (role=%s, critical=%t)
FINDING: %s
RULE-BASED JUSTIFICATION: %s

Write one concise sentence explaining the change and why it was proposed, suitable for an operator reviewing a pending change. Do not invent facts beyond what is given.`,
		agent.ID, agent.RoleName, agent.Critical, f.kind, base)
}

func (l *Loop) persist(proposal *core.ChangeProposal) error {
	if l.es == nil {
		return nil
	}
	if _, err := l.es.Append(store.StreamProposals, proposal, true); err != nil {
		return fmt.Errorf("improve: persist proposal %s: %w", proposal.ID, err)
	}
	return nil
}

func (l *Loop) emit(eventType string, proposal *core.ChangeProposal, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"proposal_id":     proposal.ID,
		"target_agent_id": proposal.TargetAgentID,
		"status":          string(proposal.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	e, err := core.NewEvent(eventType, "improve", l.clock.Now().UnixMilli(), payload)
	if err != nil {
		return
	}
	e.Durable = true
	l.emitter.Emit(*e)
}
