package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_CanRun(t *testing.T) {
	task := &Task{Dependencies: []string{"a", "b"}}
	assert.False(t, task.CanRun(map[string]bool{"a": true}))
	assert.True(t, task.CanRun(map[string]bool{"a": true, "b": true}))
}

func TestTask_CanRun_NoDependencies(t *testing.T) {
	task := &Task{}
	assert.True(t, task.CanRun(map[string]bool{}))
}

func TestTask_ExhaustedRetries(t *testing.T) {
	task := &Task{MaxRetries: 2, Attempt: 3}
	assert.True(t, task.ExhaustedRetries())

	task.Attempt = 2
	assert.False(t, task.ExhaustedRetries())
}

func TestNewTask_Defaults(t *testing.T) {
	now := time.Now()
	task := NewTask("t1", "code_review", "review the diff", PriorityP1High, now)
	assert.Equal(t, TaskQueued, task.Status)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, PriorityP1High, task.Priority)
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	assert.True(t, TaskCompleted.IsTerminal())
	assert.True(t, TaskFailed.IsTerminal())
	assert.True(t, TaskCancelled.IsTerminal())
	assert.True(t, TaskTimedOut.IsTerminal())
	assert.False(t, TaskRunning.IsTerminal())
	assert.False(t, TaskQueued.IsTerminal())
	assert.False(t, TaskBlocked.IsTerminal())
}

func TestPriority_String(t *testing.T) {
	assert.Equal(t, "P0", PriorityP0Critical.String())
	assert.Equal(t, "P3", PriorityP3Low.String())
}
