package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangfei222666-9/aios/core"
)

type fakeJournal struct {
	mu      sync.Mutex
	tasks   map[string]*core.Task
	loadErr error
	records int
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{tasks: map[string]*core.Task{}}
}

func (j *fakeJournal) Record(ctx context.Context, task *core.Task) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	copied := *task
	j.tasks[task.ID] = &copied
	j.records++
	return nil
}

func (j *fakeJournal) Load(ctx context.Context) (map[string]*core.Task, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.loadErr != nil {
		return nil, j.loadErr
	}
	return j.tasks, nil
}

func (j *fakeJournal) status(taskID string) (core.TaskStatus, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	t, ok := j.tasks[taskID]
	if !ok {
		return "", false
	}
	return t.Status, true
}

func (j *fakeJournal) recordCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records
}

func TestScheduler_RecoverFromCrash_UsesJournalWhenWired(t *testing.T) {
	agents := newFakeAgents(&core.Agent{ID: "coder", Env: core.EnvProd, TaskTypes: []string{"code"}})
	s, _ := newTestScheduler(t, newScriptedWorker(), agents, DefaultConfig())

	j := newFakeJournal()
	running := core.NewTask("journaled-running", "code", "was running", core.PriorityP1High, time.Now())
	running.Status = core.TaskRunning
	j.tasks[running.ID] = running
	queued := core.NewTask("journaled-queued", "code", "never started", core.PriorityP2Normal, time.Now())
	j.tasks[queued.ID] = queued
	s.SetJournal(j)

	require.NoError(t, s.RecoverFromCrash())

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Queued)
	assert.Equal(t, core.TaskFailed, running.Status)
	assert.Equal(t, core.SigWorkerLost, running.ErrorSignature)
}

func TestScheduler_RecoverFromCrash_FallsBackToStreamWhenJournalFails(t *testing.T) {
	agents := newFakeAgents(&core.Agent{ID: "coder", Env: core.EnvProd, TaskTypes: []string{"code"}})
	s, es := newTestScheduler(t, newScriptedWorker(), agents, DefaultConfig())

	queued := core.NewTask("stream-queued", "code", "from the stream", core.PriorityP2Normal, time.Now())
	_, err := es.Append("task_queue", queued, true)
	require.NoError(t, err)

	j := newFakeJournal()
	j.loadErr = errors.New("connection refused")
	s.SetJournal(j)

	require.NoError(t, s.RecoverFromCrash())
	assert.Equal(t, 1, s.Snapshot().Queued)
}

func TestScheduler_Submit_MirrorsEveryTransitionIntoJournal(t *testing.T) {
	agents := newFakeAgents(&core.Agent{ID: "coder", Env: core.EnvProd, TaskTypes: []string{"code"}})
	s, _ := newTestScheduler(t, newScriptedWorker(), agents, DefaultConfig())
	j := newFakeJournal()
	s.SetJournal(j)

	task := core.NewTask("t-1", "code", "x", core.PriorityP2Normal, time.Now())
	_, err := s.Submit(task)
	require.NoError(t, err)

	require.NotNil(t, j.tasks["t-1"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		status, ok := j.status("t-1")
		return ok && status == core.TaskCompleted
	})
	assert.GreaterOrEqual(t, j.recordCount(), 2) // submit + terminal transition
}
