package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/store"
)

func newTestRegistry(t *testing.T) (*AgentRegistry, *core.FakeClock) {
	t.Helper()
	clock := core.NewFakeClock(time.Now())
	es, err := store.NewEventStore(t.TempDir(), clock, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })
	return NewAgentRegistry(es, nil, clock), clock
}

func seedAgent(t *testing.T, r *AgentRegistry, id string) {
	t.Helper()
	require.NoError(t, r.Register(&core.Agent{ID: id, RoleName: "coder", TimeoutDefault: 30 * time.Second}))
}

func TestAgentRegistry_Register_RejectsDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	seedAgent(t, r, "coder-A")
	err := r.Register(&core.Agent{ID: "coder-A"})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestAgentRegistry_Get_ReturnsIndependentCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	seedAgent(t, r, "coder-A")

	a, err := r.Get("coder-A")
	require.NoError(t, err)
	a.RoleName = "mutated"

	again, err := r.Get("coder-A")
	require.NoError(t, err)
	assert.Equal(t, "coder", again.RoleName)
}

func TestAgentRegistry_Update_BumpsConfigVersionAndSnapshots(t *testing.T) {
	r, _ := newTestRegistry(t)
	seedAgent(t, r, "coder-A")

	newTimeout := 45 * time.Second
	v, err := r.Update("coder-A", core.AgentPatch{TimeoutDefault: &newTimeout})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	a, err := r.Get("coder-A")
	require.NoError(t, err)
	assert.Equal(t, newTimeout, a.TimeoutDefault)
	assert.Equal(t, int64(1), a.ConfigVersion)

	assert.Len(t, r.Rollback().history["coder-A"], 1)
	assert.Equal(t, int64(0), r.Rollback().history["coder-A"][0].Agent.ConfigVersion)
}

func TestAgentRegistry_UpdateStats_DoesNotBumpConfigVersion(t *testing.T) {
	r, clock := newTestRegistry(t)
	seedAgent(t, r, "coder-A")

	require.NoError(t, r.UpdateStats("coder-A", true, 120, clock.Now()))

	a, err := r.Get("coder-A")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.ConfigVersion)
	assert.Equal(t, int64(1), a.Stats.TasksCompleted)
	assert.Empty(t, r.Rollback().history["coder-A"])
}

func TestAgentRegistry_Update_UnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Update("ghost", core.AgentPatch{})
	assert.ErrorIs(t, err, core.ErrAgentNotFound)
}

func TestRollback_RevertLast_RestoresPriorConfig(t *testing.T) {
	r, _ := newTestRegistry(t)
	seedAgent(t, r, "coder-A")

	newTimeout := 45 * time.Second
	_, err := r.Update("coder-A", core.AgentPatch{TimeoutDefault: &newTimeout})
	require.NoError(t, err)

	require.NoError(t, r.Rollback().RevertLast("coder-A"))

	a, err := r.Get("coder-A")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, a.TimeoutDefault)
	assert.Equal(t, int64(0), a.ConfigVersion)
}

func TestRollback_RevertLast_IsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	seedAgent(t, r, "coder-A")

	newTimeout := 45 * time.Second
	_, err := r.Update("coder-A", core.AgentPatch{TimeoutDefault: &newTimeout})
	require.NoError(t, err)

	require.NoError(t, r.Rollback().RevertLast("coder-A"))
	first, err := r.Get("coder-A")
	require.NoError(t, err)

	// Applying the rollback a second time must yield the same final state.
	require.NoError(t, r.Rollback().RevertLast("coder-A"))
	second, err := r.Get("coder-A")
	require.NoError(t, err)

	assert.Equal(t, first.ConfigVersion, second.ConfigVersion)
	assert.Equal(t, first.TimeoutDefault, second.TimeoutDefault)
}

func TestRollback_RevertByProposal(t *testing.T) {
	r, _ := newTestRegistry(t)
	seedAgent(t, r, "coder-A")

	// Directly exercise the snapshot path with a proposal id tag.
	current, err := r.Get("coder-A")
	require.NoError(t, err)
	require.NoError(t, r.rollback.snapshot(current, "prop-1"))

	newTimeout := 45 * time.Second
	_, err = r.Update("coder-A", core.AgentPatch{TimeoutDefault: &newTimeout})
	require.NoError(t, err)

	require.NoError(t, r.Rollback().RevertByProposal("coder-A", "prop-1"))

	a, err := r.Get("coder-A")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, a.TimeoutDefault)
}

func TestRollback_RevertByProposal_UnknownProposal(t *testing.T) {
	r, _ := newTestRegistry(t)
	seedAgent(t, r, "coder-A")
	err := r.Rollback().RevertByProposal("coder-A", "nope")
	assert.ErrorIs(t, err, core.ErrProposalNotFound)
}

func TestCheckRegression_SuccessRateDrop(t *testing.T) {
	cfg := core.QualityConfig{SuccessRateDropThreshold: 0.10, DurationIncreaseThreshold: 0.20, VerificationWindowTraces: 20}
	before := core.ProposalMetrics{SuccessRate: 0.95, AvgDuration: 1000}
	after := core.ProposalMetrics{SuccessRate: 0.80, AvgDuration: 1000, SampleSize: 20}
	assert.True(t, CheckRegression(before, after, cfg))
}

func TestCheckRegression_DurationIncrease(t *testing.T) {
	cfg := core.QualityConfig{SuccessRateDropThreshold: 0.10, DurationIncreaseThreshold: 0.20, VerificationWindowTraces: 20}
	before := core.ProposalMetrics{SuccessRate: 0.95, AvgDuration: 1000}
	after := core.ProposalMetrics{SuccessRate: 0.95, AvgDuration: 1300, SampleSize: 20}
	assert.True(t, CheckRegression(before, after, cfg))
}

func TestCheckRegression_NoRegressionWithinThresholds(t *testing.T) {
	cfg := core.QualityConfig{SuccessRateDropThreshold: 0.10, DurationIncreaseThreshold: 0.20, VerificationWindowTraces: 20}
	before := core.ProposalMetrics{SuccessRate: 0.95, AvgDuration: 1000}
	after := core.ProposalMetrics{SuccessRate: 0.90, AvgDuration: 1100, SampleSize: 20}
	assert.False(t, CheckRegression(before, after, cfg))
}

func TestCheckRegression_InsufficientSampleSize(t *testing.T) {
	cfg := core.QualityConfig{SuccessRateDropThreshold: 0.10, DurationIncreaseThreshold: 0.20, VerificationWindowTraces: 20}
	before := core.ProposalMetrics{SuccessRate: 0.95, AvgDuration: 1000}
	after := core.ProposalMetrics{SuccessRate: 0.10, AvgDuration: 5000, SampleSize: 3}
	assert.False(t, CheckRegression(before, after, cfg))
}
