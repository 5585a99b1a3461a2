// Package reactor implements Reactor: subscribes to alert/failure/
// resource/config-change events, matches them against PlaybookLibrary, and
// executes the matched playbook's declarative action list, verifying the
// outcome before declaring success. It follows the same
// bracket-call-and-classify shape as dispatch.Dispatcher (breaker check,
// call out, classify the outcome, record against the breaker), with a
// playbook_id-keyed breaker and a verify/rollback sequence on top, wired
// to the bus via Subscribe on the four trigger patterns.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yangfei222666-9/aios/bus"
	"github.com/yangfei222666-9/aios/core"
)

// triggerPatterns are the event patterns Reactor subscribes to.
var triggerPatterns = []string{"alert.*", "agent.task.failed", "resource.*", "agent.config.updated"}

// PlaybookMatcher is the narrow slice of playbook.Library Reactor needs.
type PlaybookMatcher interface {
	Match(event core.Event) []*core.Playbook
}

// StatsRecorder is the narrow slice of playbook.Library Reactor needs to
// fold a run's outcome into the playbook's execution_count/last_executed_ts.
type StatsRecorder interface {
	RecordExecution(id string, at time.Time, success bool)
}

// Breaker is the narrow slice of resilience.Manager Reactor needs, keyed by
// playbook_id rather than the (agent_id, task_type) key dispatch/router use.
type Breaker interface {
	ShouldExecute(key string) bool
	RecordSuccess(key string)
	RecordFailure(key, errorSignature string)
}

// Verifier evaluates a playbook's post-action predicate ("metric X is
// now within bound Y within time window W"). Reactor treats a
// playbook with no Verify predicate as an automatic pass, so tests and
// simple playbooks never need a Verifier at all.
type Verifier interface {
	Verify(ctx context.Context, predicate core.VerifyPredicate) (bool, error)
}

// Config tunes Reactor's execution behavior.
type Config struct {
	ActionTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{ActionTimeout: 30 * time.Second}
}

// Reactor matches events against playbooks and executes their actions.
type Reactor struct {
	cfg      Config
	bus      *bus.EventBus
	matcher  PlaybookMatcher
	stats    StatsRecorder
	breaker  Breaker
	handlers map[core.ActionType]core.ActionHandler
	verifier Verifier
	emitter  core.EventEmitter
	clock    core.Clock
	tel      core.Telemetry

	mu     sync.Mutex
	unsubs []func()
	wg     sync.WaitGroup
}

// NewReactor wires a Reactor. handlers maps each declarative action type
// to the collaborator that actually performs it; breaker and
// verifier may be nil (breaker nil disables the open-circuit skip,
// verifier nil means any playbook that declares a Verify predicate fails
// closed rather than being declared successful on faith).
func NewReactor(cfg Config, b *bus.EventBus, matcher PlaybookMatcher, stats StatsRecorder, breaker Breaker,
	handlers map[core.ActionType]core.ActionHandler, verifier Verifier, emitter core.EventEmitter, clock core.Clock) *Reactor {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultConfig().ActionTimeout
	}
	if handlers == nil {
		handlers = map[core.ActionType]core.ActionHandler{}
	}
	if emitter == nil {
		emitter = core.NoOpEmitter{}
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Reactor{cfg: cfg, bus: b, matcher: matcher, stats: stats, breaker: breaker, handlers: handlers, verifier: verifier, emitter: emitter, clock: clock, tel: &core.NoOpTelemetry{}}
}

// SetTelemetry installs span instrumentation around playbook runs. Call
// before Start; defaults to no-op.
func (r *Reactor) SetTelemetry(tel core.Telemetry) {
	if tel != nil {
		r.tel = tel
	}
}

// Start subscribes to every trigger pattern. Each delivered event is
// matched against the playbook library and every matched playbook runs in
// its own goroutine — playbooks matching the same event run in parallel,
// but one playbook's actions stay strictly sequential.
func (r *Reactor) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pattern := range triggerPatterns {
		unsub := r.bus.Subscribe(pattern, func(event core.Event) error {
			r.handleEvent(ctx, event)
			return nil
		})
		r.unsubs = append(r.unsubs, unsub)
	}
}

// Stop unsubscribes from the bus and waits for every in-flight playbook run
// to finish.
func (r *Reactor) Stop() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	r.wg.Wait()
}

func (r *Reactor) handleEvent(ctx context.Context, event core.Event) {
	for _, pb := range r.matcher.Match(event) {
		pb := pb
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runPlaybook(ctx, pb, event)
		}()
	}
}

// runPlaybook executes one matched playbook's full lifecycle:
// cooldown check, breaker check, auto_execute branch, sequential action
// execution, verify, and success/failure recording.
func (r *Reactor) runPlaybook(ctx context.Context, pb *core.Playbook, event core.Event) {
	now := r.clock.Now()

	ctx, span := r.tel.StartSpan(ctx, "reactor.playbook")
	span.SetAttribute("playbook_id", pb.ID)
	span.SetAttribute("trigger_type", event.Type)
	defer span.End()

	if pb.WithinCooldown(now) {
		r.emit("reactor.cooldown_skipped", pb, event, nil)
		return
	}

	if r.breaker != nil && !r.breaker.ShouldExecute(pb.ID) {
		return
	}

	if !pb.AutoExecute {
		r.emit("reactor.pending_confirm", pb, event, map[string]interface{}{"actions": actionPlanPayload(pb.Actions)})
		return
	}

	var actionErr error
	for _, action := range pb.Actions {
		if err := r.runAction(ctx, action, event); err != nil {
			actionErr = err
			break
		}
	}

	verifyPassed := true
	if actionErr == nil && pb.Verify != nil {
		switch {
		case r.verifier == nil:
			actionErr = fmt.Errorf("reactor: playbook %s declares a verify predicate but no verifier is wired: %w", pb.ID, core.ErrMissingConfiguration)
		default:
			ok, err := r.verifier.Verify(ctx, *pb.Verify)
			if err != nil {
				actionErr = err
			} else {
				verifyPassed = ok
			}
		}
	}

	success := actionErr == nil && verifyPassed
	if r.stats != nil {
		r.stats.RecordExecution(pb.ID, now, success)
	}

	if success {
		if r.breaker != nil {
			r.breaker.RecordSuccess(pb.ID)
		}
		r.emit("reactor.success", pb, event, nil)
		return
	}

	for _, rollback := range pb.RollbackActions {
		// Best-effort: a rollback action failing doesn't un-fail the
		// already-failed playbook, and there's nothing further to roll
		// back to, so the error is swallowed rather than escalated.
		_ = r.runAction(ctx, rollback, event)
	}

	if actionErr != nil {
		span.RecordError(actionErr)
	}
	sig := classifyActionError(actionErr)
	if r.breaker != nil {
		r.breaker.RecordFailure(pb.ID, sig)
	}
	r.emit("reactor.failed", pb, event, map[string]interface{}{"error_signature": sig, "error": errString(actionErr)})
}

// runAction dispatches one action descriptor to its registered handler,
// bounded by the per-action timeout.
func (r *Reactor) runAction(ctx context.Context, action core.ActionDescriptor, event core.Event) error {
	handler, ok := r.handlers[action.Type]
	if !ok {
		return fmt.Errorf("reactor: no handler registered for action type %q: %w", action.Type, core.ErrInvalidConfiguration)
	}

	actionCtx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
	defer cancel()

	result, err := handler.Handle(actionCtx, action, event)
	if err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("reactor: action %q reported failure: %s", action.Type, result.Detail)
	}
	return nil
}

func actionPlanPayload(actions []core.ActionDescriptor) []map[string]interface{} {
	plan := make([]map[string]interface{}, 0, len(actions))
	for _, a := range actions {
		plan = append(plan, map[string]interface{}{"type": string(a.Type), "params": a.Params})
	}
	return plan
}

// classifyActionError maps an action/verify failure to a stable
// error_signature, the same family trace.Recorder and resilience.Manager
// use, so a playbook's breaker trips on the same vocabulary every other
// breaker in the system does.
func classifyActionError(err error) string {
	if err == nil {
		return core.SigOther
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrTimeout):
		return core.SigTimeout
	case errors.Is(err, core.ErrPermissionDenied):
		return core.SigPermissionDenied
	case errors.Is(err, core.ErrAPIRateLimit):
		return core.SigAPIRateLimit
	case errors.Is(err, core.ErrWorkerLost):
		return core.SigWorkerLost
	case errors.Is(err, core.ErrTransient):
		return core.SigTransient
	default:
		return core.SigTransient
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (r *Reactor) emit(eventType string, pb *core.Playbook, triggerEvent core.Event, extra map[string]interface{}) {
	payload := map[string]interface{}{"playbook_id": pb.ID, "trigger_event_id": triggerEvent.ID, "trigger_event_type": triggerEvent.Type}
	for k, v := range extra {
		payload[k] = v
	}
	e, err := core.NewEvent(eventType, "reactor", r.clock.Now().UnixMilli(), payload)
	if err != nil {
		return
	}
	r.emitter.Emit(*e)
}
