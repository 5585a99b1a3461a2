package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/store"
)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	clock := core.NewFakeClock(time.Now())
	es, err := store.NewEventStore(t.TempDir(), clock, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })
	return NewPlanner(es, clock)
}

func threeSubtasks() []SubtaskSpec {
	return []SubtaskSpec{
		{Type: "research", Description: "gather requirements", Priority: core.PriorityP2Normal},
		{Type: "implement", Description: "write the code", Priority: core.PriorityP2Normal},
		{Type: "verify", Description: "run the tests", Priority: core.PriorityP2Normal},
	}
}

func TestPlanner_Decompose_Sequential(t *testing.T) {
	p := newTestPlanner(t)
	plan, err := p.Decompose("build a feature", threeSubtasks(), core.StrategySequential, nil)
	require.NoError(t, err)

	require.Len(t, plan.Subtasks, 3)
	assert.Empty(t, plan.Subtasks[0].Dependencies)
	assert.Equal(t, []string{plan.Subtasks[0].ID}, plan.Subtasks[1].Dependencies)
	assert.Equal(t, []string{plan.Subtasks[1].ID}, plan.Subtasks[2].Dependencies)
	assert.Equal(t, core.TaskQueued, plan.Subtasks[0].Status)
	assert.Equal(t, core.TaskBlocked, plan.Subtasks[1].Status)
}

func TestPlanner_Decompose_Parallel(t *testing.T) {
	p := newTestPlanner(t)
	plan, err := p.Decompose("do three independent things", threeSubtasks(), core.StrategyParallel, nil)
	require.NoError(t, err)

	for _, st := range plan.Subtasks {
		assert.Empty(t, st.Dependencies)
		assert.Equal(t, core.TaskQueued, st.Status)
	}
}

func TestPlanner_Decompose_DAG_ExplicitDeps(t *testing.T) {
	p := newTestPlanner(t)
	// subtask 2 depends on 0 and 1
	plan, err := p.Decompose("fan-in", threeSubtasks(), core.StrategyDAG, map[int][]int{2: {0, 1}})
	require.NoError(t, err)

	assert.Empty(t, plan.Subtasks[0].Dependencies)
	assert.Empty(t, plan.Subtasks[1].Dependencies)
	assert.ElementsMatch(t, []string{plan.Subtasks[0].ID, plan.Subtasks[1].ID}, plan.Subtasks[2].Dependencies)
}

func TestPlanner_Decompose_DAG_RejectsCycle(t *testing.T) {
	p := newTestPlanner(t)
	_, err := p.Decompose("cyclic", threeSubtasks(), core.StrategyDAG, map[int][]int{0: {1}, 1: {0}})
	assert.ErrorIs(t, err, core.ErrInvalidTaskSpec)
}

func TestPlanner_Decompose_RejectsEmptySubtasks(t *testing.T) {
	p := newTestPlanner(t)
	_, err := p.Decompose("nothing to do", nil, core.StrategySequential, nil)
	assert.ErrorIs(t, err, core.ErrInvalidTaskSpec)
}

func TestPlanner_Decompose_AutoPicksSequentialOnOrderingLanguage(t *testing.T) {
	p := newTestPlanner(t)
	plan, err := p.Decompose("first gather data, then analyze it, then report", threeSubtasks(), core.StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StrategySequential, plan.Strategy)
}

func TestPlanner_Decompose_AutoPicksParallelForIndependentLookingWork(t *testing.T) {
	p := newTestPlanner(t)
	plan, err := p.Decompose("check the weather in three cities", threeSubtasks(), core.StrategyAuto, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StrategyParallel, plan.Strategy)
}

func TestExecutionLevels_Sequential(t *testing.T) {
	p := newTestPlanner(t)
	plan, err := p.Decompose("build", threeSubtasks(), core.StrategySequential, nil)
	require.NoError(t, err)

	levels := ExecutionLevels(plan)
	require.Len(t, levels, 3)
	for _, level := range levels {
		assert.Len(t, level, 1)
	}
}

func TestExecutionLevels_Parallel(t *testing.T) {
	p := newTestPlanner(t)
	plan, err := p.Decompose("build", threeSubtasks(), core.StrategyParallel, nil)
	require.NoError(t, err)

	levels := ExecutionLevels(plan)
	require.Len(t, levels, 1)
	assert.Len(t, levels[0], 3)
}
