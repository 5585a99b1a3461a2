package core

import "time"

// Priority ordering for the Scheduler's priority queue:
// P0 > P1 > P2 > P3, ties broken by submission time (FIFO).
type Priority int

const (
	PriorityP0Critical Priority = iota
	PriorityP1High
	PriorityP2Normal
	PriorityP3Low
)

func (p Priority) String() string {
	switch p {
	case PriorityP0Critical:
		return "P0"
	case PriorityP1High:
		return "P1"
	case PriorityP2Normal:
		return "P2"
	case PriorityP3Low:
		return "P3"
	default:
		return "P2"
	}
}

// TaskStatus is the state-machine status of a Task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskBlocked   TaskStatus = "blocked"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimedOut  TaskStatus = "timed_out"
)

// IsTerminal reports whether the status is one the scheduler never
// transitions out of.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	default:
		return false
	}
}

// Task is a unit of work submitted to the Scheduler.
type Task struct {
	ID             string        `json:"id"`
	Type           string        `json:"type"`
	Description    string        `json:"description"`
	Priority       Priority      `json:"priority"`
	SubmittedAt    time.Time     `json:"submitted_at"`
	Deadline       *time.Time    `json:"deadline,omitempty"`
	Dependencies   []string      `json:"dependencies"`
	ParentPlan     string        `json:"parent_plan,omitempty"`
	MaxRetries     int           `json:"max_retries"`
	Timeout        time.Duration `json:"timeout"`
	Attempt        int           `json:"attempt"`
	Status         TaskStatus    `json:"status"`
	AssignedAgent  string        `json:"assigned_agent_id,omitempty"`
	Result         interface{}   `json:"result,omitempty"`
	ErrorSignature string        `json:"error_signature,omitempty"`

	// TraceID links every attempt of this task back to its Trace records.
	TraceIDs []string `json:"trace_ids,omitempty"`
}

// CanRun reports whether every dependency has completed — the sole
// precondition for moving a task out of `blocked`.
func (t *Task) CanRun(completed map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// ExhaustedRetries reports whether another attempt would exceed max_retries
// (attempt <= max_retries+1).
func (t *Task) ExhaustedRetries() bool {
	return t.Attempt > t.MaxRetries
}

// NewTask constructs a Task with no dependencies in TaskQueued. Callers
// that add dependencies (Scheduler.Submit, the Planner) set TaskBlocked
// themselves.
func NewTask(id, taskType, description string, priority Priority, submittedAt time.Time) *Task {
	return &Task{
		ID:          id,
		Type:        taskType,
		Description: description,
		Priority:    priority,
		SubmittedAt: submittedAt,
		MaxRetries:  2,
		Timeout:     30 * time.Second,
		Attempt:     1,
		Status:      TaskQueued,
	}
}
