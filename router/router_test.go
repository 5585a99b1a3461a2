package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangfei222666-9/aios/core"
)

type fakeLister struct{ agents []*core.Agent }

func (f *fakeLister) List() []*core.Agent { return f.agents }

type fakeBreaker struct {
	open      map[string]bool
	openedAt  map[string]int64
}

func (b *fakeBreaker) ShouldExecute(key string) bool { return !b.open[key] }
func (b *fakeBreaker) OpenedAtUnixMilli(key string) int64 { return b.openedAt[key] }

func agent(id, taskType string, env core.Env, keywords ...string) *core.Agent {
	return &core.Agent{ID: id, TaskTypes: []string{taskType}, Env: env, Keywords: keywords}
}

func TestRouter_ExplicitAssignmentWins(t *testing.T) {
	r := NewRouter(&fakeLister{}, nil, "coder")
	task := &core.Task{Type: "code", AssignedAgent: "explicit-agent"}
	id, err := r.Route(task, core.EnvProd, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "explicit-agent", id)
}

func TestRouter_ExactMatch(t *testing.T) {
	lister := &fakeLister{agents: []*core.Agent{
		agent("coder-A", "code", core.EnvProd),
		agent("reviewer-B", "review", core.EnvProd),
	}}
	r := NewRouter(lister, nil, "coder")
	id, err := r.Route(&core.Task{Type: "code"}, core.EnvProd, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "coder-A", id)
}

func TestRouter_ExactMatch_RespectsEnv(t *testing.T) {
	lister := &fakeLister{agents: []*core.Agent{
		agent("coder-test", "code", core.EnvTest),
	}}
	r := NewRouter(lister, map[string]string{"code": "coder-fallback"}, "coder")
	id, err := r.Route(&core.Task{Type: "code"}, core.EnvProd, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "coder-fallback", id)
}

func TestRouter_KeywordMatch_TieBrokenByLoad(t *testing.T) {
	lister := &fakeLister{agents: []*core.Agent{
		agent("coder-A", "other_type", core.EnvProd, "python"),
		agent("coder-B", "other_type", core.EnvProd, "python"),
	}}
	r := NewRouter(lister, nil, "coder")
	load := map[string]int{"coder-A": 5, "coder-B": 1}
	id, err := r.Route(&core.Task{Type: "code", Description: "fix the python bug"}, core.EnvProd, nil,
		func(agentID string) int { return load[agentID] })
	require.NoError(t, err)
	assert.Equal(t, "coder-B", id)
}

func TestRouter_FallbackToConfiguredDefault(t *testing.T) {
	r := NewRouter(&fakeLister{}, map[string]string{"code": "default-coder"}, "coder")
	id, err := r.Route(&core.Task{Type: "code"}, core.EnvProd, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "default-coder", id)
}

func TestRouter_FallbackToGenericCoder(t *testing.T) {
	r := NewRouter(&fakeLister{}, nil, "coder")
	id, err := r.Route(&core.Task{Type: "mystery"}, core.EnvProd, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "coder", id)
}

func TestRouter_SkipsOpenBreakers(t *testing.T) {
	lister := &fakeLister{agents: []*core.Agent{
		agent("coder-A", "code", core.EnvProd),
		agent("coder-B", "code", core.EnvProd),
	}}
	r := NewRouter(lister, nil, "coder")
	b := &fakeBreaker{open: map[string]bool{BreakerKey("coder-A", "code"): true}}
	id, err := r.Route(&core.Task{Type: "code"}, core.EnvProd, b, nil)
	require.NoError(t, err)
	assert.Equal(t, "coder-B", id)
}

func TestRouter_AllOpen_PicksLeastRecentlyOpened(t *testing.T) {
	lister := &fakeLister{agents: []*core.Agent{
		agent("coder-A", "code", core.EnvProd),
		agent("coder-B", "code", core.EnvProd),
	}}
	r := NewRouter(lister, nil, "coder")
	b := &fakeBreaker{
		open: map[string]bool{BreakerKey("coder-A", "code"): true, BreakerKey("coder-B", "code"): true},
		openedAt: map[string]int64{BreakerKey("coder-A", "code"): 500, BreakerKey("coder-B", "code"): 100},
	}
	id, err := r.Route(&core.Task{Type: "code"}, core.EnvProd, b, nil)
	require.NoError(t, err)
	assert.Equal(t, "coder-B", id) // opened earlier (100 < 500)
}

func TestRouter_NoCandidates_ErrorsUnknownAgent(t *testing.T) {
	// NewRouter always installs a generic fallback, so build the Router
	// directly to reach the no-generic branch.
	r := &Router{agents: &fakeLister{}}
	_, err := r.Route(&core.Task{Type: "mystery"}, core.EnvProd, nil, nil)
	assert.ErrorIs(t, err, core.ErrUnknownAgent)
}
