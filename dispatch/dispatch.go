// Package dispatch implements Dispatcher: takes a (task, agent)
// pair and invokes the agent-worker contract, bracketed by
// TraceRecorder start/end, a breaker check, and a quota check. The
// dispatcher never talks to an LLM or tool itself — it only calls the
// registered AgentWorker and classifies what comes back.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/yangfei222666-9/aios/core"
)

// Recorder is the narrow slice of trace.Recorder Dispatcher needs.
type Recorder interface {
	Start(taskID, taskType, agentID string, agentEnv core.Env, tctx core.TraceContext) string
	End(traceID string, success bool, err error) (core.Trace, error)
}

// Breaker is the narrow slice of resilience.Manager Dispatcher needs.
type Breaker interface {
	ShouldExecute(key string) bool
	RecordSuccess(key string)
	RecordFailure(key, errorSignature string)
}

// DefaultMaxInFlight is the per-agent in-flight task ceiling used when no
// override is configured.
const DefaultMaxInFlight = 2

// Quota enforces the per-agent maximum in-flight task count.
// Rate-limit violations classify as api_rate_limit (retryable).
type Quota struct {
	mu        sync.Mutex
	inFlight  map[string]int
	maxPerID  map[string]int
	defaultMax int
}

func NewQuota(maxPerAgent map[string]int, defaultMax int) *Quota {
	if defaultMax <= 0 {
		defaultMax = DefaultMaxInFlight
	}
	return &Quota{inFlight: make(map[string]int), maxPerID: maxPerAgent, defaultMax: defaultMax}
}

func (q *Quota) limitFor(agentID string) int {
	if m, ok := q.maxPerID[agentID]; ok && m > 0 {
		return m
	}
	return q.defaultMax
}

// Acquire reserves one in-flight slot for agentID, or reports the quota
// is exhausted.
func (q *Quota) Acquire(agentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight[agentID] >= q.limitFor(agentID) {
		return false
	}
	q.inFlight[agentID]++
	return true
}

// Release frees the in-flight slot reserved by Acquire.
func (q *Quota) Release(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight[agentID] > 0 {
		q.inFlight[agentID]--
	}
}

// InFlight reports agentID's current in-flight task count — the load
// signal router.Router's keyword-match tiebreak consumes.
func (q *Quota) InFlight(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight[agentID]
}

// Dispatcher invokes the agent-worker contract for one (task, agent)
// pair, bracketed by tracing, a breaker check, and a quota check.
type Dispatcher struct {
	worker  core.AgentWorker
	tracer  Recorder
	breaker Breaker
	quota   *Quota
	tel     core.Telemetry
}

func NewDispatcher(worker core.AgentWorker, tracer Recorder, breaker Breaker, quota *Quota) *Dispatcher {
	if quota == nil {
		quota = NewQuota(nil, DefaultMaxInFlight)
	}
	return &Dispatcher{worker: worker, tracer: tracer, breaker: breaker, quota: quota, tel: &core.NoOpTelemetry{}}
}

// SetTelemetry installs span/metric instrumentation around the
// agent-worker call. Call before Dispatch; defaults to no-op.
func (d *Dispatcher) SetTelemetry(tel core.Telemetry) {
	if tel != nil {
		d.tel = tel
	}
}

// Dispatch executes task on agent. Returns the completed Trace and the
// classified error, if any.
func (d *Dispatcher) Dispatch(ctx context.Context, task *core.Task, agent *core.Agent) (core.Trace, error) {
	breakerKey := agent.ID + "::" + task.Type

	if d.breaker != nil && !d.breaker.ShouldExecute(breakerKey) {
		return core.Trace{}, fmt.Errorf("breaker open for agent %s task type %s: %w", agent.ID, task.Type, core.ErrBreakerOpen)
	}

	if !d.quota.Acquire(agent.ID) {
		return core.Trace{}, fmt.Errorf("agent %s at quota: %w", agent.ID, core.ErrAPIRateLimit)
	}
	defer d.quota.Release(agent.ID)

	traceID := d.tracer.Start(task.ID, task.Type, agent.ID, agent.Env, core.TraceContext{})

	ctx, span := d.tel.StartSpan(ctx, "dispatch.execute")
	span.SetAttribute("task_id", task.ID)
	span.SetAttribute("task_type", task.Type)
	span.SetAttribute("agent_id", agent.ID)

	result, execErr := d.worker.Execute(ctx, agent, task)

	success := execErr == nil && result.Success
	var classifyErr error
	switch {
	case execErr != nil:
		classifyErr = execErr
	case !result.Success:
		classifyErr = classifyWorkerError(result)
	}

	tr, err := d.tracer.End(traceID, success, classifyErr)
	if classifyErr != nil {
		span.RecordError(classifyErr)
	}
	span.End()
	d.tel.RecordMetric("aios.dispatch.duration_ms", tr.DurationMs,
		map[string]string{"agent_id": agent.ID, "task_type": task.Type})
	if err != nil {
		return tr, err
	}

	if d.breaker != nil {
		if success {
			d.breaker.RecordSuccess(breakerKey)
		} else {
			d.breaker.RecordFailure(breakerKey, tr.ErrorSignature)
		}
	}

	if !success && classifyErr == nil {
		classifyErr = fmt.Errorf("task %s failed on agent %s: %w", task.ID, agent.ID, core.ErrTransient)
	}
	return tr, classifyErr
}

// classifyWorkerError maps a failed ExecutionResult's error_kind (the
// worker's own vocabulary) onto AIOS's stable error_signature family.
func classifyWorkerError(result core.ExecutionResult) error {
	switch result.ErrorKind {
	case "timeout":
		return core.ErrTimeout
	case "permission_denied":
		return core.ErrPermissionDenied
	case "api_rate_limit":
		return core.ErrAPIRateLimit
	case "worker_lost":
		return core.ErrWorkerLost
	case "":
		return core.ErrTransient
	default:
		return fmt.Errorf("%s: %w", result.ErrorKind, core.ErrTransient)
	}
}
