// Package heartbeat implements Heartbeat: the periodic tick that
// reports on the Scheduler (which self-drives via its own worker
// goroutines once Start is called — see Tick's doc comment), runs due
// scheduled jobs, triggers SelfImprovingLoop on its own cadence, and emits
// a core.health.report health snapshot built by collecting a handful of
// gauges from otherwise unrelated collaborators into one struct.
package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/store"
)

// SchedulerSnapshotter is the narrow Scheduler seam Heartbeat reads for
// queue/running/blocked depth.
type SchedulerSnapshotter interface {
	Snapshot() SchedulerSnapshot
}

// SchedulerSnapshot mirrors scheduler.Snapshot's fields without importing
// the scheduler package, so heartbeat stays a leaf a future caller can
// wire against any scheduler-shaped collaborator (including a test
// double) without a direct dependency.
type SchedulerSnapshot struct {
	Queued  int
	Blocked int
	Running int
}

// BreakerCounter is the narrow resilience.Manager seam Heartbeat reads for
// the open-breaker count.
type BreakerCounter interface {
	OpenCount() int
}

// SelfImprover is the narrow improve.Loop seam Heartbeat triggers on its
// own cadence.
type SelfImprover interface {
	Run(ctx context.Context, now time.Time) error
}

// Job is a generic scheduled unit of work (daily, hourly) distinct from
// the SelfImprovingLoop trigger, which has its own dedicated cadence and
// collaborator.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

// Config tunes tick behavior.
type Config struct {
	TickInterval       time.Duration // typically 30s
	SelfImproveCadence time.Duration // how often SelfImprovingLoop.Run is triggered
	FailureRateWindow  time.Duration // window over which recent_failure_rate is computed
}

func DefaultConfig() Config {
	return Config{
		TickInterval:       30 * time.Second,
		SelfImproveCadence: 6 * time.Hour,
		FailureRateWindow:  15 * time.Minute,
	}
}

// Heartbeat drives one tick at a time; Start wraps Tick in a ticker loop
// for long-running operation, but Tick itself is exported so a caller (or
// a test) can drive individual ticks deterministically.
type Heartbeat struct {
	cfg         Config
	scheduler   SchedulerSnapshotter
	breakers    BreakerCounter
	selfImprove SelfImprover
	jobs        []Job
	es          *store.EventStore
	emitter     core.EventEmitter
	clock       core.Clock

	mu                 sync.Mutex
	lastJobRun         map[string]time.Time
	lastSelfImproveRun time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires a Heartbeat. jobs, es, and selfImprove may all be nil/empty;
// a nil selfImprove simply means the tick never fires that step.
func New(cfg Config, scheduler SchedulerSnapshotter, breakers BreakerCounter, selfImprove SelfImprover,
	jobs []Job, es *store.EventStore, emitter core.EventEmitter, clock core.Clock) *Heartbeat {
	if cfg.TickInterval <= 0 {
		cfg = DefaultConfig()
	}
	if emitter == nil {
		emitter = core.NoOpEmitter{}
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Heartbeat{
		cfg: cfg, scheduler: scheduler, breakers: breakers, selfImprove: selfImprove,
		jobs: jobs, es: es, emitter: emitter, clock: clock,
		lastJobRun: make(map[string]time.Time),
	}
}

// Start launches a background ticker calling Tick every cfg.TickInterval
// until ctx is cancelled or Stop is called.
func (h *Heartbeat) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				h.Tick(ctx, now)
			}
		}
	}()
}

// Stop cancels the background ticker and waits for it to exit.
func (h *Heartbeat) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Tick runs one heartbeat cycle. There is no "advance the Scheduler"
// step here: the Scheduler's own worker pool pulls queued
// tasks continuously via a condition variable the instant Submit enqueues
// one (scheduler.Scheduler.Start), so there is no separate "pull" step
// for Heartbeat to perform. Tick's contribution to that responsibility is
// purely observational: Snapshot feeds the health report. Errors from
// individual jobs or the self-improve trigger are discarded rather than
// aborting the tick — one failing collaborator must not suppress the
// health report others depend on.
func (h *Heartbeat) Tick(ctx context.Context, now time.Time) {
	h.runDueJobs(ctx, now)
	h.maybeTriggerSelfImprove(ctx, now)
	h.emitHealthReport(now)
}

func (h *Heartbeat) runDueJobs(ctx context.Context, now time.Time) {
	for _, job := range h.jobs {
		h.mu.Lock()
		last, ok := h.lastJobRun[job.Name]
		due := !ok || now.Sub(last) >= job.Interval
		h.mu.Unlock()
		if !due {
			continue
		}
		_ = job.Run(ctx, now) // best-effort: a failing job doesn't block the tick
		h.mu.Lock()
		h.lastJobRun[job.Name] = now
		h.mu.Unlock()
	}
}

func (h *Heartbeat) maybeTriggerSelfImprove(ctx context.Context, now time.Time) {
	if h.selfImprove == nil {
		return
	}
	h.mu.Lock()
	due := h.lastSelfImproveRun.IsZero() || now.Sub(h.lastSelfImproveRun) >= h.cfg.SelfImproveCadence
	h.mu.Unlock()
	if !due {
		return
	}
	_ = h.selfImprove.Run(ctx, now)
	h.mu.Lock()
	h.lastSelfImproveRun = now
	h.mu.Unlock()
}

func (h *Heartbeat) emitHealthReport(now time.Time) {
	report := core.HealthReport{}

	if h.scheduler != nil {
		snap := h.scheduler.Snapshot()
		report.QueueDepth = snap.Queued
		report.RunningTasks = snap.Running
		report.BlockedTasks = snap.Blocked
	}
	if h.breakers != nil {
		report.OpenBreakers = h.breakers.OpenCount()
	}
	report.RecentFailureRate = h.recentFailureRate(now)
	if h.es != nil {
		if usage, err := h.es.DiskUsageBytes(); err == nil {
			report.DiskUsageBytes = usage
		}
	}

	if reg := core.GetGlobalMetricsRegistry(); reg != nil {
		reg.Gauge("aios.queue.depth", float64(report.QueueDepth))
		reg.Gauge("aios.breakers.open", float64(report.OpenBreakers))
		reg.Gauge("aios.failure_rate.recent", report.RecentFailureRate)
	}

	e, err := core.NewEvent("core.health.report", "heartbeat", h.clock.Now().UnixMilli(), map[string]interface{}{
		"queue_depth":         report.QueueDepth,
		"running_tasks":       report.RunningTasks,
		"blocked_tasks":       report.BlockedTasks,
		"open_breakers":       report.OpenBreakers,
		"recent_failure_rate": report.RecentFailureRate,
		"disk_usage_bytes":    report.DiskUsageBytes,
	})
	if err != nil {
		return
	}
	h.emitter.Emit(*e)
}

// recentFailureRate scans StreamTraces over FailureRateWindow and returns
// the fraction that failed, across every agent — a process-wide gauge,
// unlike improve/'s per-agent success_rate analysis.
func (h *Heartbeat) recentFailureRate(now time.Time) float64 {
	if h.es == nil {
		return 0
	}
	from := now.Add(-h.cfg.FailureRateWindow)
	filter := func(rec store.Record) bool { return rec.TsMs >= from.UnixMilli() }
	records, err := h.es.Read(store.StreamTraces, filter, -1, now)
	if err != nil || len(records) == 0 {
		return 0
	}

	var total, failed int
	for _, rec := range records {
		var t core.Trace
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			continue
		}
		total++
		if !t.Success {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
