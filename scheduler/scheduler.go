// Package scheduler implements Scheduler: a priority queue with
// bounded concurrency, dependency resolution, retries, and adaptive
// timeouts. A fixed pool of named workers pulls the highest-priority
// runnable task; every submission and state transition is appended to
// store.EventStore's task_queue stream so a restart can rebuild the live
// queue by reducing the log.
package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/dispatch"
	"github.com/yangfei222666-9/aios/resilience"
	"github.com/yangfei222666-9/aios/router"
	"github.com/yangfei222666-9/aios/store"
)

// AgentGetter is the narrow slice of registry.AgentRegistry Scheduler
// needs to resolve a routed agent_id into a live Agent snapshot.
type AgentGetter interface {
	Get(agentID string) (*core.Agent, error)
}

// Config tunes Scheduler's concurrency, timeouts, and failure policy.
type Config struct {
	WorkerCount         int
	DefaultTimeout      time.Duration
	ShutdownTimeout     time.Duration
	HeartbeatStaleAfter time.Duration // running task with no heartbeat for this long is worker_lost
	BubbleFailure       bool          // false: cascade-cancel dependents (default); true: bubble failure upward instead
	AdaptiveSampleSize  int           // N traces for p95 computation
	AdaptiveMinDeltaPct float64       // only substitute if computed differs from current by more than this fraction
}

func DefaultConfig() Config {
	return Config{
		WorkerCount:         5,
		DefaultTimeout:      30 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		HeartbeatStaleAfter: 2 * time.Minute,
		AdaptiveSampleSize:  20,
		AdaptiveMinDeltaPct: 0.20,
	}
}

// taskHeap orders tasks by (priority, submitted_at) — P0 > P1 > P2 > P3,
// ties broken by FIFO.
type taskHeap []*core.Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].SubmittedAt.Before(h[j].SubmittedAt)
}
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*core.Task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type runningInfo struct {
	workerID       int
	startedAt      time.Time
	lastHeartbeat  time.Time
	cancel         context.CancelFunc
	explicitCancel bool // set by Cancel(); distinguishes an operator cancel from a stale-heartbeat one
}

// Scheduler is AIOS's priority-queue-plus-worker-pool task runner.
type Scheduler struct {
	mu         sync.Mutex
	cond       *sync.Cond
	heap       taskHeap
	blocked    map[string]*core.Task // taskID -> task awaiting dependencies
	dependents map[string][]string   // taskID -> task IDs depending on it
	completed  map[string]bool       // taskID -> true once in a terminal "satisfied" state
	running    map[string]*runningInfo
	tasks      map[string]*core.Task // every known task, keyed by ID, for lookup/cancel

	cfg        Config
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	breaker    *resilience.Manager
	quota      *dispatch.Quota
	agents     AgentGetter
	es         *store.EventStore
	journal    Journal
	emitter    core.EventEmitter
	clock      core.Clock

	adaptive *adaptiveTimeouts

	workerIDCounter atomic.Int32
	stopping        atomic.Bool
	cancelAll       context.CancelFunc
	wg              sync.WaitGroup
}

// Journal mirrors the latest state per task into an external store so
// RecoverFromCrash can read the live set directly instead of replaying
// the whole task_queue stream. store.RedisTaskJournal satisfies it.
type Journal interface {
	Record(ctx context.Context, task *core.Task) error
	Load(ctx context.Context) (map[string]*core.Task, error)
}

// NewScheduler wires a Scheduler. quota is shared with dispatch.Dispatcher
// so in-flight load is tracked once, not twice (router's keyword-match
// tiebreak reads the same Quota the dispatcher gates on).
func NewScheduler(cfg Config, rt *router.Router, disp *dispatch.Dispatcher, breaker *resilience.Manager, quota *dispatch.Quota,
	agents AgentGetter, es *store.EventStore, emitter core.EventEmitter, clock core.Clock) *Scheduler {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if emitter == nil {
		emitter = core.NoOpEmitter{}
	}
	s := &Scheduler{
		blocked:    make(map[string]*core.Task),
		dependents: make(map[string][]string),
		completed:  make(map[string]bool),
		running:    make(map[string]*runningInfo),
		tasks:      make(map[string]*core.Task),
		cfg:        cfg,
		router:     rt,
		dispatcher: disp,
		breaker:    breaker,
		quota:      quota,
		agents:     agents,
		es:         es,
		emitter:    emitter,
		clock:      clock,
		adaptive:   newAdaptiveTimeouts(cfg.AdaptiveSampleSize, cfg.AdaptiveMinDeltaPct),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetJournal installs the optional fast-recovery journal. Call before
// Start/RecoverFromCrash.
func (s *Scheduler) SetJournal(j Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = j
}

// Submit enqueues task, or marks it blocked if it has unmet
// dependencies. Returns the task_id.
func (s *Scheduler) Submit(task *core.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = task
	for _, dep := range task.Dependencies {
		s.dependents[dep] = append(s.dependents[dep], task.ID)
	}

	if s.persist(task) != nil {
		// persistence failure is surfaced but the task still queues —
		// durability is best-effort for the in-memory fast path.
	}

	if task.CanRun(s.completed) {
		task.Status = core.TaskQueued
		heap.Push(&s.heap, task)
		s.cond.Signal()
	} else {
		task.Status = core.TaskBlocked
		s.blocked[task.ID] = task
	}
	return task.ID, nil
}

func (s *Scheduler) persist(task *core.Task) error {
	if s.journal != nil {
		// Best-effort mirror: the JSONL stream below stays the source
		// of truth, so a journal write failure is not surfaced.
		_ = s.journal.Record(context.Background(), task)
	}
	if s.es == nil {
		return nil
	}
	_, err := s.es.Append(store.StreamTaskQueue, task, true)
	return err
}

// Cancel marks task as cancelled if it has not yet completed. Running
// tasks have their context cancelled; the worker loop records the
// outcome once the in-flight call returns.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return core.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return nil
	}
	if info, running := s.running[taskID]; running {
		info.explicitCancel = true
		info.cancel()
		return nil
	}
	t.Status = core.TaskCancelled
	delete(s.blocked, taskID)
	s.markDependentsCancelled(taskID)
	_ = s.persist(t)
	return nil
}

// Start launches cfg.WorkerCount workers pulling the highest-priority
// runnable task.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelAll = cancel
	for i := 0; i < s.cfg.WorkerCount; i++ {
		id := int(s.workerIDCounter.Add(1))
		s.wg.Add(1)
		go s.runWorker(ctx, id)
	}
	s.wg.Add(1)
	go s.watchHeartbeats(ctx)
}

// Heartbeat records that taskID's worker is still making progress. A
// long-running worker contract is expected to call this
// periodically; a task with no heartbeat for longer than
// cfg.HeartbeatStaleAfter is treated as worker_lost even though its
// goroutine hasn't actually crashed.
func (s *Scheduler) Heartbeat(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.running[taskID]; ok {
		info.lastHeartbeat = s.clock.Now()
	}
}

// watchHeartbeats periodically cancels any running task whose heartbeat
// has gone stale — the worker_lost rule applies during normal
// operation, not just crash recovery.
func (s *Scheduler) watchHeartbeats(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.HeartbeatStaleAfter / 4
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.cancelStaleRunning(now)
		}
	}
}

func (s *Scheduler) cancelStaleRunning(now time.Time) {
	s.mu.Lock()
	var stale []*runningInfo
	for _, info := range s.running {
		if now.Sub(info.lastHeartbeat) > s.cfg.HeartbeatStaleAfter {
			stale = append(stale, info)
		}
	}
	s.mu.Unlock()
	for _, info := range stale {
		info.cancel()
	}
}

// Stop signals every worker to drain and waits up to
// cfg.ShutdownTimeout.
func (s *Scheduler) Stop() error {
	if s.stopping.Swap(true) {
		return nil
	}
	if s.cancelAll != nil {
		s.cancelAll()
	}
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		return fmt.Errorf("scheduler: shutdown timed out with workers still draining")
	}
}

func (s *Scheduler) runWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	for {
		task := s.nextTask(ctx)
		if task == nil {
			return // stopping, and queue drained of waiters
		}
		s.execute(ctx, workerID, task)
	}
}

// nextTask blocks until a task is runnable or the scheduler is stopping.
func (s *Scheduler) nextTask(ctx context.Context) *core.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.heap) == 0 {
		if s.stopping.Load() || ctx.Err() != nil {
			return nil
		}
		s.cond.Wait()
	}
	return heap.Pop(&s.heap).(*core.Task)
}

func (s *Scheduler) execute(parentCtx context.Context, workerID int, task *core.Task) {
	agentID, err := s.routeOrFail(task)
	if err != nil {
		s.finishFailed(task, err, core.SigOther)
		return
	}
	agent, err := s.agents.Get(agentID)
	if err != nil {
		s.finishFailed(task, err, core.SigOther)
		return
	}
	task.AssignedAgent = agentID

	timeout := s.effectiveTimeout(task, agent)
	ctx, cancel := context.WithTimeout(parentCtx, timeout)

	s.mu.Lock()
	task.Status = core.TaskRunning
	now := s.clock.Now()
	s.running[task.ID] = &runningInfo{workerID: workerID, startedAt: now, lastHeartbeat: now, cancel: cancel}
	s.mu.Unlock()
	_ = s.persist(task)

	tr, dispatchErr := s.dispatcher.Dispatch(ctx, task, agent)
	ctxErr := ctx.Err()
	cancel()

	s.mu.Lock()
	info := s.running[task.ID]
	delete(s.running, task.ID)
	s.mu.Unlock()

	if tr.DurationMs > 0 {
		s.adaptive.record(agentID, task.Type, tr.Success, tr.DurationMs)
	}

	if info != nil && info.explicitCancel {
		s.mu.Lock()
		task.Status = core.TaskCancelled
		s.markDependentsCancelled(task.ID)
		s.mu.Unlock()
		_ = s.persist(task)
		return
	}

	if ctxErr == context.DeadlineExceeded {
		s.handleFailure(task, fmt.Errorf("task %s exceeded timeout %s: %w", task.ID, timeout, core.ErrTimeout), core.SigTimeout)
		return
	}
	if ctxErr == context.Canceled {
		s.handleFailure(task, fmt.Errorf("task %s lost heartbeat: %w", task.ID, core.ErrWorkerLost), core.SigWorkerLost)
		return
	}

	if dispatchErr == nil {
		s.finishCompleted(task)
		return
	}
	s.handleFailure(task, dispatchErr, tr.ErrorSignature)
}

func (s *Scheduler) routeOrFail(task *core.Task) (string, error) {
	load := func(agentID string) int {
		if s.quota == nil {
			return 0
		}
		return s.quota.InFlight(agentID)
	}
	var breakerAdapter router.Breaker
	if s.breaker != nil {
		breakerAdapter = managerBreakerAdapter{mgr: s.breaker}
	}
	return s.router.Route(task, taskEnv(task), breakerAdapter, load)
}

// taskEnv defaults to prod; tasks don't carry an explicit env field, so
// this mirrors the agent-env split's only consumer today (env is a
// property of the *agent* being selected, not the task itself — see
// core.Agent.Eligible).
func taskEnv(task *core.Task) core.Env {
	return core.EnvProd
}

// managerBreakerAdapter adapts resilience.Manager to router.Breaker's
// OpenedAtUnixMilli(key) int64 shape (Manager.OpenedAt returns a
// time.Time, since it has no reason to know about router's needs).
type managerBreakerAdapter struct {
	mgr *resilience.Manager
}

func (a managerBreakerAdapter) ShouldExecute(key string) bool { return a.mgr.ShouldExecute(key) }
func (a managerBreakerAdapter) OpenedAtUnixMilli(key string) int64 {
	t := a.mgr.OpenedAt(key)
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// handleFailure applies the retry policy: a retryable signature
// re-enqueues with attempt+1 and exponential backoff up to max_retries;
// anything else (or retries exhausted) goes straight to failed.
func (s *Scheduler) handleFailure(task *core.Task, err error, signature string) {
	if resilience.IsRetryableSignature(signature) && !task.ExhaustedRetries() {
		s.scheduleRetry(task, signature)
		return
	}
	s.finishFailed(task, err, signature)
}

func (s *Scheduler) scheduleRetry(task *core.Task, signature string) {
	task.Attempt++
	delay := backoffFor(task.Attempt)
	task.Status = core.TaskQueued
	task.ErrorSignature = signature
	_ = s.persist(task)
	s.emit("scheduler.retry_scheduled", task, map[string]interface{}{"attempt": task.Attempt, "delay_ms": delay.Milliseconds(), "signature": signature})

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopping.Load() {
			return
		}
		heap.Push(&s.heap, task)
		s.cond.Signal()
	})
}

func backoffFor(attempt int) time.Duration {
	base := time.Second
	d := base << uint(attempt-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (s *Scheduler) finishCompleted(task *core.Task) {
	s.mu.Lock()
	task.Status = core.TaskCompleted
	s.completed[task.ID] = true
	ready := s.unblockDependents(task.ID)
	s.mu.Unlock()

	_ = s.persist(task)
	for _, t := range ready {
		s.mu.Lock()
		heap.Push(&s.heap, t)
		s.cond.Signal()
		s.mu.Unlock()
	}
}

func (s *Scheduler) finishFailed(task *core.Task, err error, signature string) {
	s.mu.Lock()
	task.Status = core.TaskFailed
	task.ErrorSignature = signature
	if !s.cfg.BubbleFailure {
		s.markDependentsCancelled(task.ID)
	}
	s.mu.Unlock()

	_ = s.persist(task)
	s.emit("scheduler.task_failed", task, map[string]interface{}{"signature": signature, "error": err.Error()})
}

// unblockDependents moves every blocked task whose dependencies are now
// fully satisfied onto the runnable heap; caller holds s.mu.
func (s *Scheduler) unblockDependents(completedID string) []*core.Task {
	var ready []*core.Task
	for _, depID := range s.dependents[completedID] {
		t, ok := s.blocked[depID]
		if !ok {
			continue
		}
		if t.CanRun(s.completed) {
			delete(s.blocked, depID)
			t.Status = core.TaskQueued
			ready = append(ready, t)
		}
	}
	return ready
}

// markDependentsCancelled cascades cancellation to every blocked
// dependent of a failed/cancelled task (the default policy; caller
// holds s.mu).
func (s *Scheduler) markDependentsCancelled(taskID string) {
	for _, depID := range s.dependents[taskID] {
		t, ok := s.blocked[depID]
		if !ok {
			continue
		}
		delete(s.blocked, depID)
		t.Status = core.TaskCancelled
		s.markDependentsCancelled(depID)
	}
}

func (s *Scheduler) emit(eventType string, task *core.Task, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["task_id"] = task.ID
	e, err := core.NewEvent(eventType, "scheduler", s.clock.Now().UnixMilli(), payload)
	if err != nil {
		return
	}
	e.TaskID = task.ID
	e.Durable = true
	s.emitter.Emit(*e)
}

// effectiveTimeout applies the adaptive-timeout rule: substitute the
// computed p95*1.2 for the default only when the agent has no explicit
// override and the computed value differs from the current one by more
// than AdaptiveMinDeltaPct.
func (s *Scheduler) effectiveTimeout(task *core.Task, agent *core.Agent) time.Duration {
	current := task.Timeout
	if current <= 0 {
		current = agent.TimeoutDefault
	}
	if current <= 0 {
		current = s.cfg.DefaultTimeout
	}
	if agent.TimeoutDefault > 0 && task.Timeout > 0 && task.Timeout != agent.TimeoutDefault {
		return current // explicit override present; adaptive substitution doesn't apply
	}
	computed, ok := s.adaptive.computeTimeout(agent.ID, task.Type)
	if !ok {
		return current
	}
	delta := (computed - current).Seconds() / current.Seconds()
	if delta < 0 {
		delta = -delta
	}
	if delta > s.cfg.AdaptiveMinDeltaPct {
		return computed
	}
	return current
}

// RecoverFromCrash replays the durable task_queue stream and marks every
// task still `running` as failed with signature worker_lost: a task still recorded as running at snapshot time had
// its worker die with the process.
func (s *Scheduler) RecoverFromCrash() error {
	latest, err := s.recoverState()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range latest {
		s.tasks[id] = t
		for _, dep := range t.Dependencies {
			s.dependents[dep] = append(s.dependents[dep], id)
		}
		switch t.Status {
		case core.TaskRunning:
			t.Status = core.TaskFailed
			t.ErrorSignature = core.SigWorkerLost
			_ = s.persist(t)
			s.emit("core.worker.lost", t, nil)
		case core.TaskCompleted:
			s.completed[id] = true
		case core.TaskQueued:
			heap.Push(&s.heap, t)
		case core.TaskBlocked:
			s.blocked[id] = t
		}
	}

	// A recovered failed/cancelled/timed-out task never satisfies a
	// dependency — cascade cancellation to its blocked dependents the
	// same way the live path does, now that the blocked set is fully
	// rebuilt.
	for id, t := range latest {
		switch t.Status {
		case core.TaskFailed, core.TaskCancelled, core.TaskTimedOut:
			s.markDependentsCancelled(id)
		}
	}
	return nil
}

// recoverState reads the latest state per task: from the journal when one
// is wired and reachable (no replay needed), otherwise by reducing the
// task_queue stream to its last record per task id.
func (s *Scheduler) recoverState() (map[string]*core.Task, error) {
	if s.journal != nil {
		if latest, err := s.journal.Load(context.Background()); err == nil {
			return latest, nil
		}
		// Journal unreachable: fall through to the stream, which is the
		// source of truth anyway.
	}
	if s.es == nil {
		return nil, nil
	}
	records, err := s.es.Read(store.StreamTaskQueue, nil, -1, time.Time{})
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*core.Task)
	for _, rec := range records {
		var t core.Task
		if err := json.Unmarshal(rec.Data, &t); err != nil {
			continue
		}
		latest[t.ID] = &t
	}
	return latest, nil
}

// Snapshot returns a point-in-time view of queue depth and running count
// — the core of the control surface's queue_status() projection.
type Snapshot struct {
	Queued   int
	Blocked  int
	Running  int
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Queued: len(s.heap), Blocked: len(s.blocked), Running: len(s.running)}
}

// ---------------------------------------------------------------------
// Adaptive timeouts
// ---------------------------------------------------------------------

type adaptiveTimeouts struct {
	mu         sync.Mutex
	durations  map[string][]float64 // key -> recent successful duration_ms, newest last
	sampleSize int
}

func newAdaptiveTimeouts(sampleSize int, minDelta float64) *adaptiveTimeouts {
	if sampleSize <= 0 {
		sampleSize = 20
	}
	return &adaptiveTimeouts{durations: make(map[string][]float64), sampleSize: sampleSize}
}

func adaptiveKey(agentID, taskType string) string { return agentID + "::" + taskType }

func (a *adaptiveTimeouts) record(agentID, taskType string, success bool, durationMs float64) {
	if !success {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := adaptiveKey(agentID, taskType)
	samples := append(a.durations[key], durationMs)
	if len(samples) > a.sampleSize {
		samples = samples[len(samples)-a.sampleSize:]
	}
	a.durations[key] = samples
}

// computeTimeout returns p95(samples) * 1.2 once at least sampleSize
// successful traces have been observed for (agentID, taskType).
func (a *adaptiveTimeouts) computeTimeout(agentID, taskType string) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := adaptiveKey(agentID, taskType)
	samples := a.durations[key]
	if len(samples) < a.sampleSize {
		return 0, false
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * 0.95)
	p95 := sorted[idx]
	return time.Duration(p95*1.2) * time.Millisecond, true
}
