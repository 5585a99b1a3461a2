package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/dispatch"
	"github.com/yangfei222666-9/aios/router"
	"github.com/yangfei222666-9/aios/store"
	"github.com/yangfei222666-9/aios/trace"
)

// --- test doubles -----------------------------------------------------

type fakeAgents struct {
	byID map[string]*core.Agent
}

func newFakeAgents(agents ...*core.Agent) *fakeAgents {
	m := make(map[string]*core.Agent)
	for _, a := range agents {
		m[a.ID] = a
	}
	return &fakeAgents{byID: m}
}

func (f *fakeAgents) List() []*core.Agent {
	out := make([]*core.Agent, 0, len(f.byID))
	for _, a := range f.byID {
		out = append(out, a)
	}
	return out
}

func (f *fakeAgents) Get(agentID string) (*core.Agent, error) {
	a, ok := f.byID[agentID]
	if !ok {
		return nil, core.ErrUnknownAgent
	}
	return a, nil
}

type scriptedWorker struct {
	results map[string]core.ExecutionResult
	errs    map[string]error
	delay   map[string]time.Duration
	calls   int
}

func newScriptedWorker() *scriptedWorker {
	return &scriptedWorker{results: map[string]core.ExecutionResult{}, errs: map[string]error{}, delay: map[string]time.Duration{}}
}

func (w *scriptedWorker) Execute(ctx context.Context, agent *core.Agent, task *core.Task) (core.ExecutionResult, error) {
	w.calls++
	if d, ok := w.delay[task.ID]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return core.ExecutionResult{}, ctx.Err()
		}
	}
	if r, ok := w.results[task.ID]; ok {
		return r, w.errs[task.ID]
	}
	return core.ExecutionResult{Success: true}, nil
}

func newTestTracer(t *testing.T, clock core.Clock) *trace.Recorder {
	t.Helper()
	es, err := store.NewEventStore(t.TempDir(), clock, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })
	return trace.NewRecorder(es, noopStats{}, clock, nil)
}

type noopStats struct{}

func (noopStats) UpdateStats(agentID string, success bool, durationMs float64, at time.Time) error {
	return nil
}

func newTestScheduler(t *testing.T, worker core.AgentWorker, agents *fakeAgents, cfg Config) (*Scheduler, *store.EventStore) {
	t.Helper()
	clock := core.NewFakeClock(time.Now())
	es, err := store.NewEventStore(t.TempDir(), clock, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })

	tracer := newTestTracer(t, clock)
	quota := dispatch.NewQuota(nil, 10)
	disp := dispatch.NewDispatcher(worker, tracer, nil, quota)
	rt := router.NewRouter(agents, nil, "coder")

	s := NewScheduler(cfg, rt, disp, nil, quota, agents, es, nil, clock)
	return s, es
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// --- taskHeap ordering --------------------------------------------------

func TestTaskHeap_PriorityThenFIFO(t *testing.T) {
	now := time.Now()
	t1 := &core.Task{ID: "low-early", Priority: core.PriorityP2Normal, SubmittedAt: now}
	t2 := &core.Task{ID: "high", Priority: core.PriorityP0Critical, SubmittedAt: now.Add(time.Second)}
	t3 := &core.Task{ID: "low-late", Priority: core.PriorityP2Normal, SubmittedAt: now.Add(2 * time.Second)}

	h := &taskHeap{}
	heap.Init(h)
	for _, tk := range []*core.Task{t1, t2, t3} {
		heap.Push(h, tk)
	}

	var order []string
	for h.Len() > 0 {
		order = append(order, heap.Pop(h).(*core.Task).ID)
	}
	assert.Equal(t, []string{"high", "low-early", "low-late"}, order)
}

// --- submit / dependency resolution ------------------------------------

func TestScheduler_EndToEnd_SuccessAndDependencyUnblock(t *testing.T) {
	worker := newScriptedWorker()
	agents := newFakeAgents(&core.Agent{ID: "coder", Env: core.EnvProd, TaskTypes: []string{"code"}})
	s, _ := newTestScheduler(t, worker, agents, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	parent := core.NewTask("parent", "code", "write it", core.PriorityP1High, time.Now())
	child := core.NewTask("child", "code", "build on it", core.PriorityP1High, time.Now())
	child.Dependencies = []string{parent.ID}

	_, err := s.Submit(child)
	require.NoError(t, err)
	_, err = s.Submit(parent)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		return parent.Status == core.TaskCompleted && child.Status == core.TaskCompleted
	})
}

func TestScheduler_FailedDependency_CascadeCancelsBlockedChild(t *testing.T) {
	worker := newScriptedWorker()
	agents := newFakeAgents(&core.Agent{ID: "coder", Env: core.EnvProd, TaskTypes: []string{"code"}})
	cfg := DefaultConfig()
	s, _ := newTestScheduler(t, worker, agents, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	parent := core.NewTask("parent-fail", "code", "write it", core.PriorityP1High, time.Now())
	parent.MaxRetries = 0
	worker.results[parent.ID] = core.ExecutionResult{Success: false, ErrorKind: "permission_denied"}

	child := core.NewTask("child-cascaded", "code", "build on it", core.PriorityP1High, time.Now())
	child.Dependencies = []string{parent.ID}

	_, err := s.Submit(child)
	require.NoError(t, err)
	_, err = s.Submit(parent)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		return parent.Status == core.TaskFailed
	})
	assert.Equal(t, core.TaskCancelled, child.Status)
}

func TestScheduler_RetryableFailure_RetriesThenSucceeds(t *testing.T) {
	worker := newScriptedWorker()
	agents := newFakeAgents(&core.Agent{ID: "coder", Env: core.EnvProd, TaskTypes: []string{"code"}})
	s, _ := newTestScheduler(t, worker, agents, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	task := core.NewTask("flaky", "code", "do it", core.PriorityP1High, time.Now())
	task.MaxRetries = 2
	worker.results[task.ID] = core.ExecutionResult{Success: false, ErrorKind: "timeout"}

	_, err := s.Submit(task)
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool { return worker.calls >= 1 })

	// task keeps retrying (timeout is retryable) until max_retries exhausts,
	// ending in failed since the worker never succeeds in this script.
	waitFor(t, 8*time.Second, func() bool { return task.Status == core.TaskFailed })
	assert.GreaterOrEqual(t, worker.calls, 2)
}

func TestScheduler_Cancel_RunningTask(t *testing.T) {
	worker := newScriptedWorker()
	agents := newFakeAgents(&core.Agent{ID: "coder", Env: core.EnvProd, TaskTypes: []string{"code"}})
	s, _ := newTestScheduler(t, worker, agents, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	task := core.NewTask("slow", "code", "takes a while", core.PriorityP1High, time.Now())
	worker.delay[task.ID] = 5 * time.Second

	_, err := s.Submit(task)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return task.Status == core.TaskRunning })
	require.NoError(t, s.Cancel(task.ID))

	waitFor(t, time.Second, func() bool { return task.Status == core.TaskCancelled })
}

func TestScheduler_Cancel_UnknownTask(t *testing.T) {
	worker := newScriptedWorker()
	agents := newFakeAgents(&core.Agent{ID: "coder", Env: core.EnvProd})
	s, _ := newTestScheduler(t, worker, agents, DefaultConfig())
	assert.ErrorIs(t, s.Cancel("does-not-exist"), core.ErrTaskNotFound)
}

func TestScheduler_Snapshot_ReflectsQueueDepth(t *testing.T) {
	worker := newScriptedWorker()
	agents := newFakeAgents(&core.Agent{ID: "coder", Env: core.EnvProd, TaskTypes: []string{"code"}})
	cfg := DefaultConfig()
	cfg.WorkerCount = 1
	s, _ := newTestScheduler(t, worker, agents, cfg)

	blocked := core.NewTask("blocked-one", "code", "waits", core.PriorityP2Normal, time.Now())
	blocked.Dependencies = []string{"never-completes"}
	_, err := s.Submit(blocked)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Blocked)
	assert.Equal(t, 0, snap.Queued)
}

// --- crash recovery ------------------------------------------------------

func TestScheduler_RecoverFromCrash_MarksStaleRunningTaskWorkerLost(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	es, err := store.NewEventStore(t.TempDir(), clock, nil, nil)
	require.NoError(t, err)
	defer es.Close()

	running := core.NewTask("crashed-mid-flight", "code", "was running", core.PriorityP1High, time.Now())
	running.Status = core.TaskRunning
	_, err = es.Append(store.StreamTaskQueue, running, true)
	require.NoError(t, err)

	queued := core.NewTask("still-queued", "code", "never started", core.PriorityP2Normal, time.Now())
	queued.Status = core.TaskQueued
	_, err = es.Append(store.StreamTaskQueue, queued, true)
	require.NoError(t, err)

	agents := newFakeAgents(&core.Agent{ID: "coder", Env: core.EnvProd, TaskTypes: []string{"code"}})
	worker := newScriptedWorker()
	tracer := newTestTracer(t, clock)
	quota := dispatch.NewQuota(nil, 10)
	disp := dispatch.NewDispatcher(worker, tracer, nil, quota)
	rt := router.NewRouter(agents, nil, "coder")
	s := NewScheduler(DefaultConfig(), rt, disp, nil, quota, agents, es, nil, clock)

	require.NoError(t, s.RecoverFromCrash())

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Queued) // the still-queued task re-enters the heap

	records, err := es.Read(store.StreamTaskQueue, nil, -1, time.Time{})
	require.NoError(t, err)
	var sawWorkerLost bool
	for _, rec := range records {
		var tk core.Task
		require.NoError(t, json.Unmarshal(rec.Data, &tk))
		if tk.ID == running.ID && tk.Status == core.TaskFailed && tk.ErrorSignature == core.SigWorkerLost {
			sawWorkerLost = true
		}
	}
	assert.True(t, sawWorkerLost)
}

func TestScheduler_RecoverFromCrash_CancelledDependencyCascades(t *testing.T) {
	clock := core.NewFakeClock(time.Now())
	es, err := store.NewEventStore(t.TempDir(), clock, nil, nil)
	require.NoError(t, err)
	defer es.Close()

	parent := core.NewTask("cancelled-parent", "code", "was cancelled", core.PriorityP2Normal, time.Now())
	parent.Status = core.TaskCancelled
	_, err = es.Append(store.StreamTaskQueue, parent, true)
	require.NoError(t, err)

	child := core.NewTask("blocked-child", "code", "waits on parent", core.PriorityP2Normal, time.Now())
	child.Dependencies = []string{parent.ID}
	child.Status = core.TaskBlocked
	_, err = es.Append(store.StreamTaskQueue, child, true)
	require.NoError(t, err)

	agents := newFakeAgents(&core.Agent{ID: "coder", Env: core.EnvProd, TaskTypes: []string{"code"}})
	worker := newScriptedWorker()
	tracer := newTestTracer(t, clock)
	quota := dispatch.NewQuota(nil, 10)
	disp := dispatch.NewDispatcher(worker, tracer, nil, quota)
	rt := router.NewRouter(agents, nil, "coder")
	s := NewScheduler(DefaultConfig(), rt, disp, nil, quota, agents, es, nil, clock)

	require.NoError(t, s.RecoverFromCrash())

	// The child must not become runnable: its dependency was cancelled,
	// not completed, so the cancellation cascades instead.
	snap := s.Snapshot()
	assert.Equal(t, 0, snap.Queued)
	assert.Equal(t, 0, snap.Blocked)

	s.mu.Lock()
	live := s.tasks[child.ID]
	s.mu.Unlock()
	require.NotNil(t, live)
	assert.Equal(t, core.TaskCancelled, live.Status)
}
