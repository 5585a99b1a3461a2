package aios

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/store"
)

// SubmitTask implements the control surface's submit_task.
func (c *Core) SubmitTask(task *core.Task) (string, error) {
	return c.scheduler.Submit(task)
}

// CancelTask implements cancel_task.
func (c *Core) CancelTask(taskID string) error {
	return c.scheduler.Cancel(taskID)
}

// GetAgent implements get_agent.
func (c *Core) GetAgent(agentID string) (*core.Agent, error) {
	return c.registry.Get(agentID)
}

// ListAgents implements list_agents.
func (c *Core) ListAgents() []*core.Agent {
	return c.registry.List()
}

// UpdateAgent implements update_agent: an operator-driven config
// mutation, routed through the same AgentRegistry.Update path
// SelfImprovingLoop and Reactor use, so every mutation source bumps
// config_version and emits agent.config.updated uniformly.
func (c *Core) UpdateAgent(agentID string, patch core.AgentPatch) (int64, error) {
	return c.registry.Update(agentID, patch)
}

// ListProposals implements list_proposals: the latest record for
// each distinct proposal ID in the proposals stream, newest first.
func (c *Core) ListProposals() ([]*core.ChangeProposal, error) {
	records, err := c.store.Read(store.StreamProposals, nil, -1, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("aios: read proposals: %w", err)
	}
	latest := map[string]*core.ChangeProposal{}
	order := make([]string, 0)
	for _, rec := range records {
		var p core.ChangeProposal
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			continue
		}
		if _, seen := latest[p.ID]; !seen {
			order = append(order, p.ID)
		}
		cp := p
		latest[p.ID] = &cp
	}
	out := make([]*core.ChangeProposal, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		out = append(out, latest[order[i]])
	}
	return out, nil
}

// findProposal returns the most recent stream record for proposalID.
func (c *Core) findProposal(proposalID string) (*core.ChangeProposal, error) {
	records, err := c.store.Read(store.StreamProposals, nil, -1, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("aios: read proposals: %w", err)
	}
	var found *core.ChangeProposal
	for _, rec := range records {
		var p core.ChangeProposal
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			continue
		}
		if p.ID == proposalID {
			cp := p
			found = &cp
		}
	}
	if found == nil {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, core.ErrProposalNotFound)
	}
	return found, nil
}

// ApproveProposal implements approve_proposal, resolving an L2-gated proposal.
func (c *Core) ApproveProposal(proposalID string) error {
	p, err := c.findProposal(proposalID)
	if err != nil {
		return err
	}
	return c.gates.Approve(p)
}

// RejectProposal implements reject_proposal, resolving an L2-gated proposal.
func (c *Core) RejectProposal(proposalID, reason string) error {
	p, err := c.findProposal(proposalID)
	if err != nil {
		return err
	}
	return c.gates.RejectGated(p, reason)
}

// TriggerHeartbeat implements trigger_heartbeat: an operator-forced
// tick, bypassing the ticker's own interval.
func (c *Core) TriggerHeartbeat(ctx context.Context) {
	c.heartbeat.Tick(ctx, c.clock.Now())
}

// SystemHealth implements the system_health() dashboard projection,
// built from the same components Heartbeat itself samples.
func (c *Core) SystemHealth() core.HealthReport {
	snap := c.scheduler.Snapshot()
	usage, _ := c.store.DiskUsageBytes()
	return core.HealthReport{
		QueueDepth:     snap.Queued,
		RunningTasks:   snap.Running,
		BlockedTasks:   snap.Blocked,
		OpenBreakers:   c.breaker.OpenCount(),
		DiskUsageBytes: usage,
	}
}

// QueueStatus implements queue_status(): the Scheduler's raw
// queued/running/blocked snapshot, without the breaker/disk figures
// SystemHealth folds in.
func (c *Core) QueueStatus() (queued, running, blocked int) {
	snap := c.scheduler.Snapshot()
	return snap.Queued, snap.Running, snap.Blocked
}

// RecentEvents implements recent_events(filter): every event record
// since sinceOffset matching an optional event-type pattern
// (core.MatchesPattern), e.g. "alert.*".
func (c *Core) RecentEvents(pattern string, sinceOffset int64) ([]core.Event, error) {
	filter := func(rec store.Record) bool {
		if pattern == "" {
			return true
		}
		var e core.Event
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			return false
		}
		return core.MatchesPattern(pattern, e.Type)
	}
	records, err := c.store.Read(store.StreamEvents, filter, sinceOffset, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("aios: read events: %w", err)
	}
	out := make([]core.Event, 0, len(records))
	for _, rec := range records {
		var e core.Event
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// AgentStats implements agent_stats(agent_id): the live AgentStats
// counter AgentRegistry maintains on its fast path.
func (c *Core) AgentStats(agentID string) (core.AgentStats, error) {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return core.AgentStats{}, err
	}
	return agent.Stats, nil
}
