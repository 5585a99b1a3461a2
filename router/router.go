// Package router implements Router: given a task, produce an
// agent_id via explicit assignment, exact match, keyword match, or
// fallback, filtering candidates through the per-(agent_id,task_type)
// CircuitBreaker. core/agent.go's Eligible() drives the exact-match tier
// and resilience.Manager backs the breaker-aware filtering.
package router

import (
	"fmt"
	"strings"

	"github.com/yangfei222666-9/aios/core"
)

// AgentLister is the narrow slice of registry.AgentRegistry the Router
// needs; kept as an interface so router/ never imports registry/.
type AgentLister interface {
	List() []*core.Agent
}

// BreakerKey builds the (agent_id, task_type) key resilience.Manager is
// keyed by.
func BreakerKey(agentID, taskType string) string {
	return agentID + "::" + taskType
}

// Router selects an agent for a task via a four-tier policy.
type Router struct {
	agents   AgentLister
	fallback map[string]string // task type -> default agent id
	generic  string            // last-resort fallback agent id
}

// Breaker is the minimal breaker-state surface Router needs: whether a
// key may execute right now, and when it was opened (for
// least-recently-opened tiebreak when every candidate is open).
type Breaker interface {
	ShouldExecute(key string) bool
	OpenedAtUnixMilli(key string) int64
}

func NewRouter(agents AgentLister, fallback map[string]string, generic string) *Router {
	if generic == "" {
		generic = "coder"
	}
	return &Router{agents: agents, fallback: fallback, generic: generic}
}

// Route applies the tiers in order: explicit assignment wins;
// exact eligibility match; keyword match tie-broken by load; fallback.
func (r *Router) Route(task *core.Task, env core.Env, breaker Breaker, load func(agentID string) int) (string, error) {
	if task.AssignedAgent != "" {
		return task.AssignedAgent, nil
	}

	all := r.agents.List()

	exact := filterEligible(all, task.Type, env)
	if len(exact) > 0 {
		if chosen, ok := pickByBreaker(exact, task.Type, breaker); ok {
			return chosen, nil
		}
	}

	keyword := filterByKeyword(all, task.Description, env)
	if len(keyword) > 0 {
		sortByLoad(keyword, load)
		if chosen, ok := pickByBreaker(keyword, task.Type, breaker); ok {
			return chosen, nil
		}
	}

	if id, ok := r.fallback[task.Type]; ok {
		return id, nil
	}
	if r.generic != "" {
		return r.generic, nil
	}
	return "", fmt.Errorf("no eligible agent for task type %q: %w", task.Type, core.ErrUnknownAgent)
}

func filterEligible(agents []*core.Agent, taskType string, env core.Env) []*core.Agent {
	var out []*core.Agent
	for _, a := range agents {
		if a.Eligible(taskType, env) {
			out = append(out, a)
		}
	}
	return out
}

// filterByKeyword matches description tokens against each agent's
// declared capability keywords.
func filterByKeyword(agents []*core.Agent, description string, env core.Env) []*core.Agent {
	tokens := tokenize(description)
	var out []*core.Agent
	for _, a := range agents {
		if a.Env != env {
			continue
		}
		for _, kw := range a.Keywords {
			if tokens[strings.ToLower(kw)] {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func tokenize(description string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(description)) {
		out[strings.Trim(w, ".,!?;:()[]{}\"'")] = true
	}
	return out
}

// sortByLoad orders candidates ascending by current load (lowest first),
// breaking ties by stable input order.
func sortByLoad(agents []*core.Agent, load func(agentID string) int) {
	if load == nil {
		return
	}
	for i := 1; i < len(agents); i++ {
		j := i
		for j > 0 && load(agents[j-1].ID) > load(agents[j].ID) {
			agents[j-1], agents[j] = agents[j], agents[j-1]
			j--
		}
	}
}

// pickByBreaker returns the first candidate whose (agent_id, task_type)
// breaker allows execution. If every candidate is open, the
// least-recently-opened one is returned as a probe.
func pickByBreaker(agents []*core.Agent, taskType string, breaker Breaker) (string, bool) {
	if breaker == nil {
		return agents[0].ID, true
	}
	var oldestID string
	var oldestOpenedAt int64 = -1
	for _, a := range agents {
		key := BreakerKey(a.ID, taskType)
		if breaker.ShouldExecute(key) {
			return a.ID, true
		}
		openedAt := breaker.OpenedAtUnixMilli(key)
		if oldestOpenedAt == -1 || openedAt < oldestOpenedAt {
			oldestOpenedAt = openedAt
			oldestID = a.ID
		}
	}
	if oldestID != "" {
		return oldestID, true
	}
	return "", false
}
