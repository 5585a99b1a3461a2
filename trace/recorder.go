// Package trace implements TraceRecorder: start/end bookends around
// one task attempt, producing an immutable Trace record, an AgentStats
// update, and an outcome event: open bookkeeping when an attempt starts,
// close it exactly once on the way out, panic included.
package trace

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/store"
)

// StatsUpdater is the narrow slice of registry.AgentRegistry TraceRecorder
// needs, kept as an interface so trace/ never imports registry/ (which
// would create a cycle: registry's Rollback already sits downstream of
// the callers that feed this recorder).
type StatsUpdater interface {
	UpdateStats(agentID string, success bool, durationMs float64, at time.Time) error
}

// inFlight is the bookkeeping kept between start() and end() for one
// open trace_id.
type inFlight struct {
	taskID    string
	taskType  string
	agentID   string
	agentEnv  core.Env
	ctx       core.TraceContext
	startedAt time.Time
}

// Recorder is AIOS's TraceRecorder.
type Recorder struct {
	mu    sync.Mutex
	open  map[string]*inFlight
	es    *store.EventStore
	stats StatsUpdater
	clock core.Clock
	emitter core.EventEmitter
}

func NewRecorder(es *store.EventStore, stats StatsUpdater, clock core.Clock, emitter core.EventEmitter) *Recorder {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if emitter == nil {
		emitter = core.NoOpEmitter{}
	}
	return &Recorder{
		open:    make(map[string]*inFlight),
		es:      es,
		stats:   stats,
		clock:   clock,
		emitter: emitter,
	}
}

// Start opens a trace for one attempt of taskID/taskType on agentID and
// returns its trace_id.
func (r *Recorder) Start(taskID, taskType, agentID string, agentEnv core.Env, tctx core.TraceContext) string {
	traceID := uuid.New().String()
	r.mu.Lock()
	r.open[traceID] = &inFlight{
		taskID: taskID, taskType: taskType, agentID: agentID, agentEnv: agentEnv,
		ctx: tctx, startedAt: r.clock.Now(),
	}
	r.mu.Unlock()
	return traceID
}

// End closes traceID: computes duration_ms, classifies err into a stable
// error_signature, writes the Trace record, updates the agent's running
// stats via the fast path, and emits agent.task.succeeded/failed.
func (r *Recorder) End(traceID string, success bool, err error) (core.Trace, error) {
	r.mu.Lock()
	f, ok := r.open[traceID]
	if ok {
		delete(r.open, traceID)
	}
	r.mu.Unlock()
	if !ok {
		return core.Trace{}, fmt.Errorf("trace %s: %w", traceID, core.ErrTraceNotFound)
	}

	now := r.clock.Now()
	t := core.Trace{
		TraceID:    traceID,
		AgentID:    f.agentID,
		TaskID:     f.taskID,
		TaskType:   f.taskType,
		StartedAt:  f.startedAt,
		EndedAt:    now,
		Success:    success,
		DurationMs: float64(now.Sub(f.startedAt).Microseconds()) / 1000.0,
		Env:        f.agentEnv,
		Context:    f.ctx,
	}

	if !success {
		if f.agentEnv == core.EnvTest {
			t.ErrorSignature = core.SigTestError
		} else {
			t.ErrorSignature = classify(err)
		}
	}

	if r.es != nil {
		if _, err := r.es.Append(store.StreamTraces, t, true); err != nil {
			return t, err
		}
	}

	if r.stats != nil {
		if err := r.stats.UpdateStats(f.agentID, success, t.DurationMs, now); err != nil {
			return t, err
		}
	}

	if reg := core.GetGlobalMetricsRegistry(); reg != nil {
		reg.Histogram("aios.trace.duration_ms", t.DurationMs,
			"agent_id", t.AgentID, "task_type", t.TaskType, "env", string(t.Env))
		if !success {
			reg.Counter("aios.trace.failed.count",
				"agent_id", t.AgentID, "error_signature", t.ErrorSignature)
		}
	}

	r.emitOutcome(t)
	return t, nil
}

// classify maps an error to a stable error_signature. Known sentinels map
// to their fixed signature; anything recognizable as a runtime panic/
// exception maps to runtime_error:<kind>; everything else falls through
// to "other" only once every other rule has failed.
func classify(err error) string {
	if err == nil {
		return core.SigOther
	}
	switch {
	case errors.Is(err, core.ErrTimeout):
		return core.SigTimeout
	case errors.Is(err, core.ErrPermissionDenied):
		return core.SigPermissionDenied
	case errors.Is(err, core.ErrAPIRateLimit):
		return core.SigAPIRateLimit
	case errors.Is(err, core.ErrWorkerLost):
		return core.SigWorkerLost
	case errors.Is(err, core.ErrTransient):
		return core.SigTransient
	}
	if kind, ok := runtimeErrorKind(err); ok {
		return core.RuntimeErrorSignature(kind)
	}
	return core.SigOther
}

// runtimeErrorKind recognizes a recovered handler panic wrapped as
// "handler panic: <Kind>: <message>" and extracts <Kind> for the
// runtime_error:<ExceptionName> family.
func runtimeErrorKind(err error) (string, bool) {
	msg := err.Error()
	const marker = "handler panic: "
	if !strings.HasPrefix(msg, marker) {
		return "", false
	}
	rest := msg[len(marker):]
	if idx := strings.Index(rest, ":"); idx > 0 {
		return rest[:idx], true
	}
	if idx := strings.Index(rest, " "); idx > 0 {
		return rest[:idx], true
	}
	return rest, true
}

func (r *Recorder) emitOutcome(t core.Trace) {
	eventType := "agent.task.succeeded"
	severity := core.SeverityInfo
	if !t.Success {
		eventType = "agent.task.failed"
		severity = core.SeverityWarning
	}
	e, err := core.NewEvent(eventType, "trace", r.clock.Now().UnixMilli(), map[string]interface{}{
		"trace_id": t.TraceID, "agent_id": t.AgentID, "task_id": t.TaskID,
		"task_type": t.TaskType, "duration_ms": t.DurationMs, "error_signature": t.ErrorSignature,
	})
	if err != nil {
		return
	}
	e.TaskID = t.TaskID
	e.AgentID = t.AgentID
	e.TraceID = t.TraceID
	e.Severity = severity
	e.Durable = true
	r.emitter.Emit(*e)
}

// OpenCount reports how many traces are currently started but not yet
// ended (diagnostic use — a growing count usually means a dispatcher
// crashed between Start and End without a matching failure path).
func (r *Recorder) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}
