// Package aios wires every AIOS component into one Core container and
// exposes the operator-facing control surface on top of it: a single
// struct holding every subsystem, built by one explicit constructor in
// dependency order rather than a DI container or global registry, so
// tests can wire a fresh Core per test and nothing hides in package
// globals.
package aios

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/yangfei222666-9/aios/bus"
	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/dispatch"
	"github.com/yangfei222666-9/aios/heartbeat"
	"github.com/yangfei222666-9/aios/improve"
	"github.com/yangfei222666-9/aios/plan"
	"github.com/yangfei222666-9/aios/playbook"
	"github.com/yangfei222666-9/aios/quality"
	"github.com/yangfei222666-9/aios/reactor"
	"github.com/yangfei222666-9/aios/registry"
	"github.com/yangfei222666-9/aios/resilience"
	"github.com/yangfei222666-9/aios/router"
	"github.com/yangfei222666-9/aios/scheduler"
	"github.com/yangfei222666-9/aios/store"
	"github.com/yangfei222666-9/aios/telemetry"
	"github.com/yangfei222666-9/aios/trace"

	"github.com/go-redis/redis/v8"
)

// Core holds every wired subsystem. Nothing here is a package
// global; every collaborator is a field, reachable only through the Core
// that built it.
type Core struct {
	cfg     *core.Config
	clock   core.Clock
	logger  core.Logger
	store   *store.EventStore
	bus     *bus.EventBus
	emitter core.EventEmitter

	breaker    *resilience.Manager
	registry   *registry.AgentRegistry
	rollback   *registry.Rollback
	tracer     *trace.Recorder
	playbooks  *playbook.Library
	planner    *plan.Planner
	router     *router.Router
	worker     core.AgentWorker
	quota      *dispatch.Quota
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	reactor    *reactor.Reactor
	gates      *quality.Gates
	improve    *improve.Loop
	heartbeat  *heartbeat.Heartbeat
	telemetry  *telemetry.Provider
}

// Options lets a caller override the handful of collaborators that have
// no sane zero-value default: the external agent-worker transport, the
// QualityGates L1 replayer, an optional LLM client for proposal
// justification, and the fallback routing table.
type Options struct {
	Worker         core.AgentWorker // default: HTTPAgentWorker
	Replayer       quality.Replayer // default: nil (L1 skipped, risk escalated)
	AIClient       core.AIClient    // default: nil (rule-based justification only)
	RouterFallback map[string]string
	RouterGeneric  string
	HTTPClient     *http.Client
}

// NewCore builds every component in dependency order and wires them
// together. cfg must already be validated (core.NewConfig does this).
func NewCore(cfg *core.Config, opts Options) (*Core, error) {
	clock := core.SystemClock{}
	logger := cfg.Logger()

	es, err := store.NewEventStore(cfg.EventRoot, clock, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("aios: open event store: %w", err)
	}

	eventBus := bus.NewEventBus(es, clock, logger, bus.DefaultConfig())
	emitter := &busEmitter{bus: eventBus}

	breakerMgr := resilience.NewManager(resilienceConfigFrom(cfg.Resilience), clock, emitter)

	agentRegistry := registry.NewAgentRegistry(es, emitter, clock)
	tracer := trace.NewRecorder(es, agentRegistry, clock, emitter)

	playbooks := playbook.NewLibrary()
	planner := plan.NewPlanner(es, clock)

	rt := router.NewRouter(agentRegistry, opts.RouterFallback, opts.RouterGeneric)

	worker := opts.Worker
	if worker == nil {
		worker = NewHTTPAgentWorker(opts.HTTPClient)
	}

	quota := dispatch.NewQuota(nil, dispatch.DefaultMaxInFlight)
	disp := dispatch.NewDispatcher(worker, tracer, breakerMgr, quota)

	sched := scheduler.NewScheduler(scheduler.DefaultConfig(), rt, disp, breakerMgr, quota, agentRegistry, es, emitter, clock)

	handlers := map[core.ActionType]core.ActionHandler{
		core.ActionConfigUpdate:     &configUpdateHandler{registry: agentRegistry},
		core.ActionAgentRestart:     &agentRestartHandler{scheduler: sched},
		core.ActionNotify:          &notifyHandler{emitter: emitter, clock: clock},
		core.ActionExecCommand:      &execCommandHandler{},
		core.ActionSchedulerEnqueue: &schedulerEnqueueHandler{scheduler: sched, clock: clock},
		core.ActionRollbackTrigger:  &rollbackTriggerHandler{rollback: agentRegistry.Rollback()},
	}
	react := reactor.NewReactor(reactor.DefaultConfig(), eventBus, playbooks, playbooks, breakerMgr, handlers, nil, emitter, clock)

	gates := quality.NewGates(quality.DefaultConfig(cfg.Quality), opts.Replayer, es, emitter, clock)

	improveLoop := improve.NewLoop(improve.DefaultConfig(cfg.Quality), es, agentRegistry, agentRegistry, agentRegistry.Rollback(), gates, opts.AIClient, emitter, clock)

	hb := heartbeat.New(heartbeatConfigFrom(cfg), &schedulerSnapshotAdapter{sched}, breakerMgr, improveLoop, nil, es, emitter, clock)

	c := &Core{
		cfg: cfg, clock: clock, logger: logger, store: es, bus: eventBus, emitter: emitter,
		breaker: breakerMgr, registry: agentRegistry, rollback: agentRegistry.Rollback(),
		tracer: tracer, playbooks: playbooks, planner: planner, router: rt, worker: worker,
		quota: quota, dispatcher: disp, scheduler: sched, reactor: react, gates: gates,
		improve: improveLoop, heartbeat: hb,
	}

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.Init(context.Background(), cfg.Telemetry, logger)
		if err != nil {
			return nil, fmt.Errorf("aios: init telemetry: %w", err)
		}
		disp.SetTelemetry(provider)
		react.SetTelemetry(provider)
		improveLoop.SetTelemetry(provider)
		c.telemetry = provider
	}

	if cfg.Redis.Enabled {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("aios: parse redis url: %w", err)
		}
		journal := store.NewRedisTaskJournal(redis.NewClient(redisOpts), nil, logger)
		if err := journal.Ping(context.Background()); err != nil {
			// Degrade to stream-only recovery rather than refusing to
			// start: the JSONL queue is the source of truth either way.
			logger.Warn("redis journal unreachable, using stream-only recovery", map[string]interface{}{
				"url": cfg.Redis.URL, "error": err.Error(),
			})
		} else {
			sched.SetJournal(journal)
		}
	}

	return c, nil
}

func resilienceConfigFrom(c core.ResilienceConfig) resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.Threshold = c.ErrorThreshold
	cfg.Window = c.SleepWindow
	cfg.CooldownInitial = c.SleepWindow
	cfg.QuarantineAfter = c.QuarantineAfter
	return cfg
}

func heartbeatConfigFrom(cfg *core.Config) heartbeat.Config {
	hc := heartbeat.DefaultConfig()
	if cfg.HeartbeatInterval > 0 {
		hc.TickInterval = cfg.HeartbeatInterval
	}
	hc.FailureRateWindow = 15 * time.Minute
	return hc
}

// busEmitter adapts bus.EventBus's richer Emit(type, source, payload,
// severity, durable) signature to the narrow core.EventEmitter seam every
// other component depends on, so only aios/ needs to know the bus exists
// at all.
type busEmitter struct {
	bus *bus.EventBus
}

func (e *busEmitter) Emit(ev core.Event) {
	_, _ = e.bus.Emit(ev.Type, ev.Source, ev.Payload, ev.Severity, ev.Durable)
}

// schedulerSnapshotAdapter adapts scheduler.Scheduler's concrete Snapshot
// to heartbeat's mirror-struct seam.
type schedulerSnapshotAdapter struct {
	s *scheduler.Scheduler
}

func (a *schedulerSnapshotAdapter) Snapshot() heartbeat.SchedulerSnapshot {
	snap := a.s.Snapshot()
	return heartbeat.SchedulerSnapshot{Queued: snap.Queued, Blocked: snap.Blocked, Running: snap.Running}
}

// Start launches every background loop: the EventBus is already live
// (Subscribe spins goroutines lazily), the Scheduler's worker pool, the
// Reactor's event subscriptions, and the Heartbeat ticker.
func (c *Core) Start(ctx context.Context) {
	if err := c.scheduler.RecoverFromCrash(); err != nil {
		c.logger.Warn("task queue recovery", map[string]interface{}{"error": err.Error()})
	}
	c.scheduler.Start(ctx)
	c.reactor.Start(ctx)
	c.heartbeat.Start(ctx)
}

// Stop shuts every background loop down, in reverse start order.
func (c *Core) Stop() error {
	c.heartbeat.Stop()
	c.reactor.Stop()
	if err := c.scheduler.Stop(); err != nil {
		c.logger.Warn("scheduler stop", map[string]interface{}{"error": err.Error()})
	}
	if c.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.telemetry.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("telemetry shutdown", map[string]interface{}{"error": err.Error()})
		}
	}
	return c.store.Close()
}
