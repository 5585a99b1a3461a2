package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlaybook_Valid(t *testing.T) {
	p := &Playbook{ID: "pb1", Trigger: Trigger{EventPattern: "alert.*"}, RiskClass: RiskLow, AutoExecute: true}
	assert.True(t, p.Valid())

	p.AutoExecute = true
	p.RiskClass = RiskHigh
	assert.False(t, p.Valid(), "auto_execute requires risk_class=low")
}

func TestPlaybook_Valid_RequiresIDAndTrigger(t *testing.T) {
	p := &Playbook{}
	assert.False(t, p.Valid())
}

func TestPlaybook_WithinCooldown(t *testing.T) {
	now := time.Now()
	last := now.Add(-5 * time.Second)
	p := &Playbook{CooldownMs: 10_000, LastExecutedTs: &last}
	assert.True(t, p.WithinCooldown(now))

	p.LastExecutedTs = nil
	assert.False(t, p.WithinCooldown(now))

	old := now.Add(-20 * time.Second)
	p.LastExecutedTs = &old
	assert.False(t, p.WithinCooldown(now))
}
