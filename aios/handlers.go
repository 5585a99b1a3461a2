package aios

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/registry"
	"github.com/yangfei222666-9/aios/scheduler"
)

// configUpdateHandler implements core.ActionType ActionConfigUpdate by
// translating a playbook's declarative params into an AgentPatch applied
// through registry.AgentRegistry, the same mutation path SelfImprovingLoop
// uses.
type configUpdateHandler struct {
	registry *registry.AgentRegistry
}

func (h *configUpdateHandler) Handle(ctx context.Context, action core.ActionDescriptor, event core.Event) (core.ActionResult, error) {
	agentID, _ := action.Params["agent_id"].(string)
	if agentID == "" {
		agentID = event.AgentID
	}
	if agentID == "" {
		return core.ActionResult{}, fmt.Errorf("config.update: no agent_id in params or event: %w", core.ErrInvalidTaskSpec)
	}

	var patch core.AgentPatch
	if v, ok := action.Params["heartbeat_interval"]; ok {
		if d, ok := parseDuration(v); ok {
			patch.TimeoutDefault = &d
		}
	}
	if v, ok := action.Params["timeout_default"]; ok {
		if d, ok := parseDuration(v); ok {
			patch.TimeoutDefault = &d
		}
	}
	if v, ok := action.Params["system_prompt"].(string); ok {
		patch.SystemPrompt = &v
	}

	version, err := h.registry.Update(agentID, patch)
	if err != nil {
		return core.ActionResult{}, err
	}
	return core.ActionResult{OK: true, Detail: fmt.Sprintf("agent %s now at config_version %d", agentID, version)}, nil
}

func parseDuration(v interface{}) (time.Duration, bool) {
	switch t := v.(type) {
	case time.Duration:
		return t, true
	case float64:
		return time.Duration(t) * time.Second, true
	case string:
		d, err := time.ParseDuration(t)
		return d, err == nil
	default:
		return 0, false
	}
}

// agentRestartHandler implements ActionAgentRestart by cancelling the task
// named by the triggering event (event.TaskID), if there is one. "Restart"
// at AIOS's layer can't reach into the external agent process. Other tasks
// on the agent are not cancelled and routing is not changed; the
// scheduler's existing retry/breaker machinery governs what happens next.
type agentRestartHandler struct {
	scheduler *scheduler.Scheduler
}

func (h *agentRestartHandler) Handle(ctx context.Context, action core.ActionDescriptor, event core.Event) (core.ActionResult, error) {
	agentID, _ := action.Params["agent_id"].(string)
	if agentID == "" {
		agentID = event.AgentID
	}
	if agentID == "" {
		return core.ActionResult{}, fmt.Errorf("agent.restart: no agent_id in params or event: %w", core.ErrInvalidTaskSpec)
	}
	if event.TaskID != "" {
		_ = h.scheduler.Cancel(event.TaskID)
	}
	return core.ActionResult{OK: true, Detail: fmt.Sprintf("agent %s in-flight task cancelled, breaker will govern re-routing", agentID)}, nil
}

// notifyHandler implements ActionNotify ("notify(severity, title, body,
// correlation_id?)"): failures are swallowed (reported as OK=false) and
// are not logged. It re-emits the
// notification as a core event rather than reaching out to an external
// channel, since AIOS itself has no operator-facing transport of its own —
// any real paging integration subscribes to these events downstream.
type notifyHandler struct {
	emitter core.EventEmitter
	clock   core.Clock
}

func (h *notifyHandler) Handle(ctx context.Context, action core.ActionDescriptor, event core.Event) (core.ActionResult, error) {
	payload := map[string]interface{}{
		"severity":       action.Params["severity"],
		"title":          action.Params["title"],
		"body":           action.Params["body"],
		"correlation_id": action.Params["correlation_id"],
	}
	e, err := core.NewEvent("core.notification", "reactor", h.clock.Now().UnixMilli(), payload)
	if err != nil {
		return core.ActionResult{OK: false}, nil // notify failures are swallowed
	}
	h.emitter.Emit(*e)
	return core.ActionResult{OK: true}, nil
}

// execCommandHandler implements ActionExecCommand: runs a fixed,
// playbook-declared shell command (never operator- or LLM-supplied free
// text) under the per-action deadline the Reactor puts on ctx
// (reactor.Config.ActionTimeout). Playbooks are themselves an
// operator-curated, version-controlled artifact, so the command
// string is trusted input the same way a cron entry is.
type execCommandHandler struct{}

func (h *execCommandHandler) Handle(ctx context.Context, action core.ActionDescriptor, event core.Event) (core.ActionResult, error) {
	command, _ := action.Params["command"].(string)
	if command == "" {
		return core.ActionResult{}, fmt.Errorf("exec.command: no command in params: %w", core.ErrInvalidTaskSpec)
	}
	var args []string
	if rawArgs, ok := action.Params["args"].([]interface{}); ok {
		for _, a := range rawArgs {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	cmd := exec.CommandContext(ctx, command, args...)
	output, err := cmd.CombinedOutput()
	result := core.ActionResult{
		OK:     err == nil,
		Detail: string(output),
	}
	if err != nil {
		return result, fmt.Errorf("exec.command %q: %w", command, err)
	}
	return result, nil
}

// schedulerEnqueueHandler implements ActionSchedulerEnqueue by submitting
// a new follow-up task built from the playbook's declared params.
type schedulerEnqueueHandler struct {
	scheduler *scheduler.Scheduler
	clock     core.Clock
}

func (h *schedulerEnqueueHandler) Handle(ctx context.Context, action core.ActionDescriptor, event core.Event) (core.ActionResult, error) {
	taskType, _ := action.Params["task_type"].(string)
	description, _ := action.Params["description"].(string)
	if taskType == "" {
		return core.ActionResult{}, fmt.Errorf("scheduler.enqueue: no task_type in params: %w", core.ErrInvalidTaskSpec)
	}
	priority := core.PriorityP2Normal
	if p, ok := action.Params["priority"].(string); ok {
		priority = parsePriority(p)
	}

	task := core.NewTask(fmt.Sprintf("remediation-%s-%d", taskType, h.clock.Now().UnixNano()), taskType, description, priority, h.clock.Now())
	id, err := h.scheduler.Submit(task)
	if err != nil {
		return core.ActionResult{}, err
	}
	return core.ActionResult{OK: true, Detail: "enqueued " + id}, nil
}

func parsePriority(p string) core.Priority {
	switch p {
	case "P0":
		return core.PriorityP0Critical
	case "P1":
		return core.PriorityP1High
	case "P3":
		return core.PriorityP3Low
	default:
		return core.PriorityP2Normal
	}
}

// rollbackTriggerHandler implements ActionRollbackTrigger by reverting the
// named agent to its most recent pre-proposal snapshot, for
// playbooks that detect a regression pattern a direct metrics comparison
// wouldn't catch on its own (e.g. an operator-reported quality complaint).
type rollbackTriggerHandler struct {
	rollback *registry.Rollback
}

func (h *rollbackTriggerHandler) Handle(ctx context.Context, action core.ActionDescriptor, event core.Event) (core.ActionResult, error) {
	agentID, _ := action.Params["agent_id"].(string)
	proposalID, _ := action.Params["proposal_id"].(string)
	if agentID == "" {
		agentID = event.AgentID
	}
	if agentID == "" || proposalID == "" {
		return core.ActionResult{}, fmt.Errorf("rollback.trigger: agent_id and proposal_id are required: %w", core.ErrInvalidTaskSpec)
	}
	if err := h.rollback.RevertByProposal(agentID, proposalID); err != nil {
		return core.ActionResult{}, err
	}
	return core.ActionResult{OK: true, Detail: fmt.Sprintf("agent %s reverted past proposal %s", agentID, proposalID)}, nil
}
