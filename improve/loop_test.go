package improve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/store"
)

func baseAgent() *core.Agent {
	return &core.Agent{
		ID:             "agent-1",
		RoleName:       "researcher",
		TaskTypes:      []string{"research"},
		ModelID:        "gpt-x",
		ThinkingLevel:  core.ThinkingLow,
		TimeoutDefault: 30 * time.Second,
		SystemPrompt:   "be helpful",
		ConfigVersion:  1,
		Env:            core.EnvProd,
	}
}

func traceAt(agentID string, at time.Time, success bool, sig string) core.Trace {
	return core.Trace{
		TraceID:        "t-" + at.String(),
		AgentID:        agentID,
		TaskType:       "research",
		StartedAt:      at,
		EndedAt:        at.Add(time.Second),
		Success:        success,
		DurationMs:     1000,
		ErrorSignature: sig,
		Env:            core.EnvProd,
	}
}

// storeWithTraces returns an EventStore holding n traces for agentID,
// stamped now, so readTraces sees them.
func storeWithTraces(t *testing.T, agentID string, n int, success bool, sig string) *store.EventStore {
	t.Helper()
	es, err := store.NewEventStore(t.TempDir(), nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = es.Close() })
	for i := 0; i < n; i++ {
		_, err := es.Append(store.StreamTraces, traceAt(agentID, time.Now(), success, sig), true)
		require.NoError(t, err)
	}
	return es
}

type fakeLister struct{ agents []*core.Agent }

func (f *fakeLister) List() []*core.Agent { return f.agents }

type fakeUpdater struct {
	calls []struct {
		id         string
		patch      core.AgentPatch
		proposalID string
	}
	nextVersion int64
	err         error
}

func (f *fakeUpdater) UpdateWithProposal(id string, patch core.AgentPatch, proposalID string) (int64, error) {
	f.calls = append(f.calls, struct {
		id         string
		patch      core.AgentPatch
		proposalID string
	}{id, patch, proposalID})
	if f.err != nil {
		return 0, f.err
	}
	f.nextVersion++
	return f.nextVersion, nil
}

type fakeReverter struct {
	reverted []struct{ agentID, proposalID string }
}

func (f *fakeReverter) RevertByProposal(agentID, proposalID string) error {
	f.reverted = append(f.reverted, struct{ agentID, proposalID string }{agentID, proposalID})
	return nil
}

type fakeGater struct {
	status core.ProposalStatus
	risk   core.RiskClass
	err    error
}

func (f *fakeGater) Run(ctx context.Context, proposal *core.ChangeProposal, patch core.AgentPatch) error {
	if f.err != nil {
		return f.err
	}
	if f.risk != "" {
		proposal.RiskClass = f.risk
	}
	proposal.Status = f.status
	return nil
}

func newTestLoop(agents []*core.Agent, updater *fakeUpdater, reverter *fakeReverter, gater *fakeGater, cfg Config) *Loop {
	return NewLoop(cfg, nil, &fakeLister{agents: agents}, updater, reverter, gater, nil, nil, core.NewFakeClock(time.Now()))
}

func testConfig() Config {
	cfg := DefaultConfig(core.QualityConfig{
		SuccessRateDropThreshold:  0.10,
		DurationIncreaseThreshold: 0.20,
		VerificationWindowTraces:  5,
		ObserveWindow:             24 * time.Hour,
		AgentCooldown:             6 * time.Hour,
	})
	cfg.FreqThresholds = map[string]int{"high": 20, "medium": 10, "low": 2}
	return cfg
}

func TestLoop_TimeoutFinding_ProducesLowRiskProposal_ApprovedAndApplied(t *testing.T) {
	agent := baseAgent()
	updater := &fakeUpdater{}
	reverter := &fakeReverter{}
	gater := &fakeGater{status: core.ProposalApproved, risk: core.RiskLow}
	loop := newTestLoop([]*core.Agent{agent}, updater, reverter, gater, testConfig())

	now := time.Now()
	traces := make([]core.Trace, 0)
	for i := 0; i < 5; i++ {
		traces = append(traces, traceAt(agent.ID, now.Add(-time.Hour), false, core.SigTimeout))
	}

	f := loop.analyze(agent, traces)
	require.NotNil(t, f)
	assert.Equal(t, "error_signature", f.kind)
	assert.Equal(t, core.SigTimeout, f.signature)

	patch, risk, _ := propose(f, agent)
	require.NotNil(t, patch.TimeoutDefault)
	assert.Equal(t, core.RiskLow, risk)
	assert.Greater(t, *patch.TimeoutDefault, agent.TimeoutDefault)

	proposal := &core.ChangeProposal{ID: "p-1", TargetAgentID: agent.ID, RiskClass: risk, Status: core.ProposalDraft}
	require.NoError(t, loop.gates.Run(context.Background(), proposal, patch))
	assert.Equal(t, core.ProposalApproved, proposal.Status)

	version, err := loop.updater.UpdateWithProposal(agent.ID, patch, proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	require.Len(t, updater.calls, 1)
	assert.Equal(t, proposal.ID, updater.calls[0].proposalID)
}

func TestLoop_Analyze_SuccessRateBelowTarget_ProducesThinkingRaiseProposal(t *testing.T) {
	agent := baseAgent()
	cfg := testConfig()
	loop := newTestLoop([]*core.Agent{agent}, &fakeUpdater{}, &fakeReverter{}, &fakeGater{}, cfg)

	now := time.Now()
	var traces []core.Trace
	for i := 0; i < 10; i++ {
		success := i < 5 // 50% success, below the 0.90 default target
		traces = append(traces, traceAt(agent.ID, now.Add(-time.Hour), success, ""))
	}

	f := loop.analyze(agent, traces)
	require.NotNil(t, f)
	assert.Equal(t, "success_rate", f.kind)

	patch, risk, justification := propose(f, agent)
	require.NotNil(t, patch.ThinkingLevel)
	assert.Equal(t, core.ThinkingMedium, *patch.ThinkingLevel)
	assert.Equal(t, core.RiskLow, risk)
	assert.Contains(t, justification, "thinking_level")
}

func TestLoop_Propose_APIRateLimit_SubstitutesTimeoutIncrease_AtMediumRisk(t *testing.T) {
	agent := baseAgent()
	f := &finding{kind: "error_signature", signature: core.SigAPIRateLimit, count: 10}

	patch, risk, justification := propose(f, agent)

	require.NotNil(t, patch.TimeoutDefault)
	assert.Nil(t, patch.ThinkingLevel)
	assert.Equal(t, core.RiskMedium, risk)
	assert.Contains(t, justification, "no per-agent concurrency knob")
}

func TestLoop_AdaptiveThreshold_CriticalAgentLowersBar(t *testing.T) {
	cfg := testConfig()
	loop := newTestLoop(nil, &fakeUpdater{}, &fakeReverter{}, &fakeGater{}, cfg)

	normal := baseAgent()
	critical := baseAgent()
	critical.Critical = true

	tasksPerDay := 5.0 // "low" freq_class under testConfig's thresholds
	normalThreshold := loop.adaptiveThreshold(normal, tasksPerDay)
	criticalThreshold := loop.adaptiveThreshold(critical, tasksPerDay)

	assert.Less(t, criticalThreshold, normalThreshold)
}

func TestLoop_DueForCycle_CooldownBlocksSecondCycleWithinWindow(t *testing.T) {
	cfg := testConfig()
	loop := newTestLoop(nil, &fakeUpdater{}, &fakeReverter{}, &fakeGater{}, cfg)

	now := time.Now()
	assert.True(t, loop.dueForCycle("agent-1", now))

	loop.mu.Lock()
	loop.lastCycle["agent-1"] = now
	loop.mu.Unlock()

	assert.False(t, loop.dueForCycle("agent-1", now.Add(time.Hour)))
	assert.True(t, loop.dueForCycle("agent-1", now.Add(7*time.Hour)))
}

func TestLoop_VerifyOne_RegressionTriggersRevertByProposal(t *testing.T) {
	agent := baseAgent()
	reverter := &fakeReverter{}
	loop := newTestLoop([]*core.Agent{agent}, &fakeUpdater{}, reverter, &fakeGater{}, testConfig())
	loop.es = storeWithTraces(t, agent.ID, 5, false, core.SigTimeout)

	proposal := &core.ChangeProposal{
		ID:            "p-regress",
		TargetAgentID: agent.ID,
		Status:        core.ProposalApplied,
		MetricsBefore: core.ProposalMetrics{SuccessRate: 0.95, AvgDuration: 1000, SampleSize: 10},
	}
	entry := &verifyEntry{proposal: proposal, agentID: agent.ID, appliedAt: time.Now().Add(-time.Hour), dueAt: time.Now()}

	require.NoError(t, loop.verifyOne(entry, time.Now()))

	require.Len(t, reverter.reverted, 1)
	assert.Equal(t, proposal.ID, reverter.reverted[0].proposalID)
	assert.Equal(t, core.ProposalReverted, proposal.Status)
}

func TestLoop_VerifyOne_NoRegression_StaysApplied(t *testing.T) {
	agent := baseAgent()
	reverter := &fakeReverter{}
	loop := newTestLoop([]*core.Agent{agent}, &fakeUpdater{}, reverter, &fakeGater{}, testConfig())

	proposal := &core.ChangeProposal{
		ID:            "p-ok",
		TargetAgentID: agent.ID,
		Status:        core.ProposalApplied,
		MetricsBefore: core.ProposalMetrics{SuccessRate: 0.0, AvgDuration: 0, SampleSize: 0},
	}
	entry := &verifyEntry{proposal: proposal, agentID: agent.ID, appliedAt: time.Now().Add(-time.Hour), dueAt: time.Now()}

	require.NoError(t, loop.verifyOne(entry, time.Now()))

	assert.Empty(t, reverter.reverted)
	assert.Equal(t, core.ProposalApplied, proposal.Status)
}

func TestLoop_RunAgentCycle_GatedProposal_IsNeverApplied(t *testing.T) {
	agent := baseAgent()
	updater := &fakeUpdater{}
	gater := &fakeGater{status: core.ProposalGated, risk: core.RiskMedium}
	loop := newTestLoop([]*core.Agent{agent}, updater, &fakeReverter{}, gater, testConfig())
	loop.es = storeWithTraces(t, agent.ID, 5, false, core.SigTimeout)

	err := loop.runAgentCycle(context.Background(), agent, time.Now())

	require.NoError(t, err)
	assert.Empty(t, updater.calls)
}

func TestLoop_RunAgentCycle_ApprovedButNotLowRisk_IsNeverApplied(t *testing.T) {
	// An "approved" proposal above risk_class low must
	// still never be applied, even if a future change to Gates allowed it
	// to reach Approved status without passing through requiresL2.
	agent := baseAgent()
	updater := &fakeUpdater{}
	gater := &fakeGater{status: core.ProposalApproved, risk: core.RiskHigh}
	loop := newTestLoop([]*core.Agent{agent}, updater, &fakeReverter{}, gater, testConfig())
	loop.es = storeWithTraces(t, agent.ID, 5, false, core.SigTimeout)

	err := loop.runAgentCycle(context.Background(), agent, time.Now())

	require.NoError(t, err)
	assert.Empty(t, updater.calls)
}

func TestLoop_Run_NoAgents_NoError(t *testing.T) {
	loop := newTestLoop(nil, &fakeUpdater{}, &fakeReverter{}, &fakeGater{}, testConfig())
	require.NoError(t, loop.Run(context.Background(), time.Now()))
}

func TestLoop_DiffFromPatch_DescribesEveryChangedField(t *testing.T) {
	agent := baseAgent()
	next := 45 * time.Second
	level := core.ThinkingHigh
	patch := core.AgentPatch{TimeoutDefault: &next, ThinkingLevel: &level}

	diffs := diffFromPatch(agent, patch)

	require.Len(t, diffs, 2)
	fields := map[string]bool{}
	for _, d := range diffs {
		fields[d.Field] = true
	}
	assert.True(t, fields["timeout_default"])
	assert.True(t, fields["thinking_level"])
}

func TestLoop_Justify_NoAIClient_ReturnsBase(t *testing.T) {
	loop := newTestLoop(nil, &fakeUpdater{}, &fakeReverter{}, &fakeGater{}, testConfig())
	base := "raising timeout_default"
	got := loop.justify(context.Background(), base, baseAgent(), &finding{kind: "error_signature", signature: core.SigTimeout})
	assert.Equal(t, base, got)
}

type erroringAIClient struct{}

func (erroringAIClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	return nil, assert.AnError
}

func TestLoop_Justify_AIClientError_FallsBackToBase(t *testing.T) {
	loop := NewLoop(testConfig(), nil, &fakeLister{}, &fakeUpdater{}, &fakeReverter{}, &fakeGater{}, erroringAIClient{}, nil, core.NewFakeClock(time.Now()))
	base := "raising timeout_default"
	got := loop.justify(context.Background(), base, baseAgent(), &finding{kind: "error_signature", signature: core.SigTimeout})
	assert.Equal(t, base, got)
}
