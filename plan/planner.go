// Package plan implements Planner: decomposes a high-level task
// description into a dependency DAG of subtasks, validated for cycles
// before it is persisted. The Planner only structures work — it never
// executes subtasks.
package plan

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/store"
)

// DAG is the dependency graph backing one Plan, lifted from
// a visited/recursion-stack DFS over the subtask edges.
type DAG struct {
	mu    sync.RWMutex
	nodes map[string]*dagNode
}

type dagNode struct {
	id           string
	dependencies []string
	dependents   []string
}

func newDAG() *DAG {
	return &DAG{nodes: make(map[string]*dagNode)}
}

func (d *DAG) addNode(id string, dependencies []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[id] = &dagNode{id: id, dependencies: dependencies}
	d.rebuildDependents()
}

func (d *DAG) rebuildDependents() {
	for _, n := range d.nodes {
		n.dependents = nil
	}
	for id, n := range d.nodes {
		for _, dep := range n.dependencies {
			if depNode, ok := d.nodes[dep]; ok {
				depNode.dependents = append(depNode.dependents, id)
			}
		}
	}
}

// validate reports a cycle or a dangling dependency reference.
func (d *DAG) validate() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for id, n := range d.nodes {
		for _, dep := range n.dependencies {
			if _, ok := d.nodes[dep]; !ok {
				return fmt.Errorf("subtask %s depends on unknown subtask %s: %w", id, dep, core.ErrInvalidTaskSpec)
			}
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var dfs func(string) bool
	dfs = func(id string) bool {
		visited[id] = true
		recStack[id] = true
		for _, dependent := range d.nodes[id].dependents {
			if !visited[dependent] {
				if dfs(dependent) {
					return true
				}
			} else if recStack[dependent] {
				return true
			}
		}
		recStack[id] = false
		return false
	}
	for id := range d.nodes {
		if !visited[id] {
			if dfs(id) {
				return fmt.Errorf("plan contains a circular dependency involving %s: %w", id, core.ErrInvalidTaskSpec)
			}
		}
	}
	return nil
}

// executionLevels groups subtask IDs by the level at which they become
// runnable (level 0 has no dependencies, level 1 depends only on level 0,
// etc.) — used to translate a strategy into concrete Task.Dependencies.
func (d *DAG) executionLevels() [][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var levels [][]string
	processed := make(map[string]bool)
	for {
		var level []string
		for id, n := range d.nodes {
			if processed[id] {
				continue
			}
			ready := true
			for _, dep := range n.dependencies {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, id := range level {
			processed[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}

// SubtaskSpec is one caller-supplied unit before Planner assigns it an ID
// and wires it into the chosen strategy's dependency shape.
type SubtaskSpec struct {
	Type        string
	Description string
	Priority    core.Priority
}

// Planner decomposes a description into a Plan. It is stateless
// between calls except for the Plan persistence it performs via the
// `plans` stream.
type Planner struct {
	es    *store.EventStore
	clock core.Clock
}

func NewPlanner(es *store.EventStore, clock core.Clock) *Planner {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Planner{es: es, clock: clock}
}

// Decompose builds a Plan from subtasks wired together per strategy.
// strategy="auto" picks sequential when the description contains
// ordering language or there are at most two subtasks, and parallel
// otherwise; description length is not used.
func (p *Planner) Decompose(description string, subtasks []SubtaskSpec, strategy core.PlanStrategy, explicitDeps map[int][]int) (*core.Plan, error) {
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("plan must have at least one subtask: %w", core.ErrInvalidTaskSpec)
	}

	resolved := strategy
	if resolved == core.StrategyAuto {
		resolved = p.chooseAutoStrategy(description, subtasks)
	}

	planID := uuid.New().String()
	now := p.clock.Now()

	ids := make([]string, len(subtasks))
	for i := range subtasks {
		ids[i] = fmt.Sprintf("%s-%d", planID, i)
	}

	dag := newDAG()
	deps := make([][]string, len(subtasks))
	switch resolved {
	case core.StrategySequential:
		for i := range subtasks {
			if i > 0 {
				deps[i] = []string{ids[i-1]}
			}
		}
	case core.StrategyParallel:
		// no dependencies between any subtask
	case core.StrategyDAG:
		for i, idxDeps := range explicitDeps {
			for _, j := range idxDeps {
				deps[i] = append(deps[i], ids[j])
			}
		}
	default:
		return nil, fmt.Errorf("unknown plan strategy %q: %w", resolved, core.ErrInvalidTaskSpec)
	}

	for i, id := range ids {
		dag.addNode(id, deps[i])
	}
	if err := dag.validate(); err != nil {
		return nil, err
	}

	plan := &core.Plan{
		ID:                  planID,
		OriginalDescription: description,
		Strategy:            resolved,
		CreatedAt:           now,
		Status:              core.PlanPending,
	}
	for i, spec := range subtasks {
		t := core.NewTask(ids[i], spec.Type, spec.Description, spec.Priority, now)
		t.ParentPlan = planID
		t.Dependencies = deps[i]
		if len(t.Dependencies) > 0 {
			t.Status = core.TaskBlocked
		}
		plan.Subtasks = append(plan.Subtasks, t)
	}

	if p.es != nil {
		if _, err := p.es.Append(store.StreamPlans, plan, true); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// chooseAutoStrategy implements the "auto" heuristic: a description with
// language suggesting ordering ("then", "after", "first", ...), or a plan
// of at most two subtasks, is treated as sequential; everything else
// runs in parallel, since most multi-subtask decompositions from a
// single description are independent lookups/edits rather than a
// strict pipeline.
func (p *Planner) chooseAutoStrategy(description string, subtasks []SubtaskSpec) core.PlanStrategy {
	lower := strings.ToLower(description)
	sequentialHints := []string{"then", "after", "first", "followed by", "once", "next"}
	for _, hint := range sequentialHints {
		if strings.Contains(lower, hint) {
			return core.StrategySequential
		}
	}
	if len(subtasks) <= 2 {
		return core.StrategySequential
	}
	return core.StrategyParallel
}

// ExecutionLevels exposes the dependency-level grouping of an
// already-built plan's subtasks, letting a Scheduler (or a test) confirm
// which subtasks could in principle run concurrently.
func ExecutionLevels(plan *core.Plan) [][]string {
	dag := newDAG()
	for _, t := range plan.Subtasks {
		dag.addNode(t.ID, t.Dependencies)
	}
	return dag.executionLevels()
}
