package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	e, err := NewEvent("agent.task.started", "dispatch", 1000, map[string]interface{}{"task_id": "t1"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "agent.task.started", e.Type)
	assert.Equal(t, "dispatch", e.Source)
	assert.Equal(t, "t1", e.Payload["task_id"])
}

func TestNewEvent_NilPayload(t *testing.T) {
	e, err := NewEvent("core.health.report", "heartbeat", 1000, nil)
	require.NoError(t, err)
	assert.NotNil(t, e.Payload)
}

func TestValidateEventType(t *testing.T) {
	assert.NoError(t, ValidateEventType("agent.task.failed"))
	assert.Error(t, ValidateEventType(""))
	assert.Error(t, ValidateEventType("agent..failed"))
}

func TestMatchesPattern(t *testing.T) {
	cases := []struct {
		pattern, eventType string
		want               bool
	}{
		{"*", "agent.task.started", true},
		{"agent.*", "agent.task.started", true},
		{"agent.*", "agent", false},
		{"agent.*", "agent.task", true},
		{"agent.*", "agentx.task", false},
		{"breaker.opened", "breaker.opened", true},
		{"breaker.opened", "breaker.closed", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchesPattern(c.pattern, c.eventType), "pattern=%s type=%s", c.pattern, c.eventType)
	}
}
