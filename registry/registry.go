// Package registry implements AgentRegistry and Rollback.
// AgentRegistry owns the authoritative live Agent config; Rollback owns
// the snapshot history and reverts on regression. Reads are lock-free
// copy-on-write pointer loads; updates are serialized per agent so
// config_version bumps stay gap-free.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/store"
)

// AgentRegistry stores and mutates Agent records. Reads never block a
// concurrent Update: each agent's live value lives behind an
// atomic.Pointer, swapped wholesale rather than mutated in place, so Get
// only ever needs a brief RLock to find the pointer slot itself.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*atomic.Pointer[core.Agent]

	updateMuGuard sync.Mutex
	updateLocks   map[string]*sync.Mutex

	es       *store.EventStore
	emitter  core.EventEmitter
	clock    core.Clock
	rollback *Rollback
}

func NewAgentRegistry(es *store.EventStore, emitter core.EventEmitter, clock core.Clock) *AgentRegistry {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if emitter == nil {
		emitter = core.NoOpEmitter{}
	}
	r := &AgentRegistry{
		agents:      make(map[string]*atomic.Pointer[core.Agent]),
		updateLocks: make(map[string]*sync.Mutex),
		es:          es,
		emitter:     emitter,
		clock:       clock,
	}
	r.rollback = NewRollback(r, es, emitter, clock)
	return r
}

// Rollback returns the registry's paired Rollback collaborator.
func (r *AgentRegistry) Rollback() *Rollback { return r.rollback }

// Register adds a new agent at config_version 0. Returns
// core.ErrInvalidConfiguration if id is already registered.
func (r *AgentRegistry) Register(agent *core.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.ID]; exists {
		return fmt.Errorf("agent %s already registered: %w", agent.ID, core.ErrInvalidConfiguration)
	}
	ptr := &atomic.Pointer[core.Agent]{}
	ptr.Store(agent.Clone())
	r.agents[agent.ID] = ptr
	return nil
}

func (r *AgentRegistry) slot(id string) (*atomic.Pointer[core.Agent], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.agents[id]
	return p, ok
}

// Get returns a snapshot of agent id. The caller may mutate the returned
// value freely; it never affects the registry's authoritative copy.
func (r *AgentRegistry) Get(id string) (*core.Agent, error) {
	p, ok := r.slot(id)
	if !ok {
		return nil, core.ErrAgentNotFound
	}
	return p.Load().Clone(), nil
}

// List returns a snapshot of every registered agent.
func (r *AgentRegistry) List() []*core.Agent {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]*core.Agent, 0, len(ids))
	for _, id := range ids {
		if a, err := r.Get(id); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func (r *AgentRegistry) lockFor(id string) *sync.Mutex {
	r.updateMuGuard.Lock()
	defer r.updateMuGuard.Unlock()
	m, ok := r.updateLocks[id]
	if !ok {
		m = &sync.Mutex{}
		r.updateLocks[id] = m
	}
	return m
}

// Update applies patch to agent id: read current, snapshot it via
// Rollback, bump config_version, write the new record, emit
// agent.config.updated. Returns the new config_version.
func (r *AgentRegistry) Update(id string, patch core.AgentPatch) (int64, error) {
	return r.UpdateWithProposal(id, patch, "")
}

// UpdateWithProposal is Update tagged with the ChangeProposal id that
// authorized it, so Rollback.RevertByProposal can later find the exact
// snapshot taken immediately before this change. Update
// itself is UpdateWithProposal with proposalID="" — a manually-applied
// patch has no proposal to revert by, only RevertLast.
func (r *AgentRegistry) UpdateWithProposal(id string, patch core.AgentPatch, proposalID string) (int64, error) {
	p, ok := r.slot(id)
	if !ok {
		return 0, core.ErrAgentNotFound
	}

	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	current := p.Load()
	if err := r.rollback.snapshot(current, proposalID); err != nil {
		return 0, err
	}

	next := current.Clone()
	patch.Apply(next)
	next.ConfigVersion = current.ConfigVersion + 1
	p.Store(next)

	if r.es != nil {
		if _, err := r.es.Append(store.StreamAgentConfigs, next, true); err != nil {
			return 0, err
		}
	}
	r.emitConfigUpdated(next)

	return next.ConfigVersion, nil
}

// UpdateStats folds one trace outcome into agent id's running stats. This
// is a separate fast path: it never bumps
// config_version, never snapshots, and never emits agent.config.updated.
func (r *AgentRegistry) UpdateStats(id string, success bool, durationMs float64, at time.Time) error {
	p, ok := r.slot(id)
	if !ok {
		return core.ErrAgentNotFound
	}
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	current := p.Load()
	next := current.Clone()
	next.Stats.Record(success, durationMs, at)
	p.Store(next)
	return nil
}

// replaceForRollback installs agent as the live record for its ID without
// going through the normal snapshot-and-bump Update path (Rollback calls
// this directly since the revert itself must not create a new snapshot
// of the bad config it's reverting away from).
func (r *AgentRegistry) replaceForRollback(agent *core.Agent) error {
	p, ok := r.slot(agent.ID)
	if !ok {
		return core.ErrAgentNotFound
	}
	lock := r.lockFor(agent.ID)
	lock.Lock()
	defer lock.Unlock()
	p.Store(agent.Clone())
	if r.es != nil {
		if _, err := r.es.Append(store.StreamAgentConfigs, agent, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *AgentRegistry) emitConfigUpdated(agent *core.Agent) {
	e, err := core.NewEvent("agent.config.updated", "registry", r.clock.Now().UnixMilli(), map[string]interface{}{
		"agent_id": agent.ID, "config_version": agent.ConfigVersion,
	})
	if err != nil {
		return
	}
	e.Durable = true
	e.AgentID = agent.ID
	r.emitter.Emit(*e)
}

// ============================================================================
// Rollback
// ============================================================================

// snapshotEntry is one pre-change copy of an agent, owned by Rollback.
type snapshotEntry struct {
	Agent      *core.Agent `json:"agent"`
	TakenAt    time.Time   `json:"taken_at"`
	ProposalID string      `json:"proposal_id,omitempty"`
	Reverted   bool        `json:"reverted"`
}

// Rollback snapshots agent configs before every AgentRegistry.Update and
// can revert to the most recent (or a proposal-tagged) snapshot.
type Rollback struct {
	mu        sync.Mutex
	history   map[string][]*snapshotEntry // agentID -> snapshots, oldest first
	registry  *AgentRegistry
	es        *store.EventStore
	emitter   core.EventEmitter
	clock     core.Clock
}

func NewRollback(registry *AgentRegistry, es *store.EventStore, emitter core.EventEmitter, clock core.Clock) *Rollback {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if emitter == nil {
		emitter = core.NoOpEmitter{}
	}
	return &Rollback{history: make(map[string][]*snapshotEntry), registry: registry, es: es, emitter: emitter, clock: clock}
}

func (rb *Rollback) snapshot(agent *core.Agent, proposalID string) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	entry := &snapshotEntry{Agent: agent.Clone(), TakenAt: rb.clock.Now(), ProposalID: proposalID}
	rb.history[agent.ID] = append(rb.history[agent.ID], entry)

	if rb.es != nil {
		if _, err := rb.es.Append(store.StreamRollback, entry, true); err != nil {
			return err
		}
	}
	return nil
}

// RevertLast reverts agentID to its most recent snapshot. Idempotent: if
// the agent's current config_version already matches that snapshot's
// (i.e. a previous RevertLast already applied it), this is a no-op
// so reverting twice ends in the same state as reverting once.
func (rb *Rollback) RevertLast(agentID string) error {
	rb.mu.Lock()
	entries := rb.history[agentID]
	if len(entries) == 0 {
		rb.mu.Unlock()
		return fmt.Errorf("no snapshot history for agent %s: %w", agentID, core.ErrAgentNotFound)
	}
	target := entries[len(entries)-1]
	rb.mu.Unlock()

	return rb.revertTo(agentID, target)
}

// RevertByProposal reverts agentID to the snapshot taken immediately
// before the given proposal's change was applied.
func (rb *Rollback) RevertByProposal(agentID, proposalID string) error {
	rb.mu.Lock()
	var target *snapshotEntry
	for _, e := range rb.history[agentID] {
		if e.ProposalID == proposalID {
			target = e
			break
		}
	}
	rb.mu.Unlock()

	if target == nil {
		return fmt.Errorf("no snapshot for proposal %s on agent %s: %w", proposalID, agentID, core.ErrProposalNotFound)
	}
	return rb.revertTo(agentID, target)
}

func (rb *Rollback) revertTo(agentID string, target *snapshotEntry) error {
	rb.mu.Lock()
	current, err := rb.registry.Get(agentID)
	if err != nil {
		rb.mu.Unlock()
		return err
	}
	if current.ConfigVersion == target.Agent.ConfigVersion {
		// already reverted (or never diverged): idempotent no-op.
		rb.mu.Unlock()
		return nil
	}
	target.Reverted = true
	rb.mu.Unlock()

	if err := rb.registry.replaceForRollback(target.Agent); err != nil {
		return err
	}
	rb.emitExecuted(agentID, target.Agent.ConfigVersion)
	return nil
}

func (rb *Rollback) emitExecuted(agentID string, revertedToVersion int64) {
	e, err := core.NewEvent("rollback.executed", "registry", rb.clock.Now().UnixMilli(), map[string]interface{}{
		"agent_id": agentID, "reverted_to_version": revertedToVersion,
	})
	if err != nil {
		return
	}
	e.Durable = true
	e.AgentID = agentID
	rb.emitter.Emit(*e)
}

// CheckRegression reports whether metricsAfter indicates a regression
// against metricsBefore per the configured thresholds.
func CheckRegression(before, after core.ProposalMetrics, cfg core.QualityConfig) bool {
	if after.SampleSize < cfg.VerificationWindowTraces {
		return false // not enough samples yet to judge sustained regression
	}
	successDrop := before.SuccessRate - after.SuccessRate
	if successDrop > cfg.SuccessRateDropThreshold {
		return true
	}
	if before.AvgDuration > 0 {
		durationIncrease := (after.AvgDuration - before.AvgDuration) / before.AvgDuration
		if durationIncrease > cfg.DurationIncreaseThreshold {
			return true
		}
	}
	return false
}
