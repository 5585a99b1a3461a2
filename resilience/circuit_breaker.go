// Package resilience implements AIOS's per-key CircuitBreaker: a
// sliding-window failure counter with closed/open/half-open/quarantined
// states, kept in a keyed registry since AIOS opens one breaker per
// (agent_id, task_type) and one per playbook_id rather than one breaker
// per process.
package resilience

import (
	"sync"
	"time"

	"github.com/yangfei222666-9/aios/core"
)

// CircuitState is the lifecycle of one keyed breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
	StateQuarantined
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	case StateQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Config bounds one breaker's behavior. Defaults come from
// core.ResilienceConfig so all breakers in a process share operator-tunable
// thresholds unless overridden per key.
type Config struct {
	Threshold       int           // failures within Window before closed->open
	Window          time.Duration // rolling window the threshold is counted over
	CooldownInitial time.Duration // open->half_open delay on first trip
	CooldownMax     time.Duration // cap on the doubling backoff
	QuarantineAfter time.Duration // open continuously this long with no probe success -> quarantined
}

func DefaultConfig() Config {
	return Config{
		Threshold:       5,
		Window:          time.Minute,
		CooldownInitial: 5 * time.Second,
		CooldownMax:     5 * time.Minute,
		QuarantineAfter: 24 * time.Hour,
	}
}

// bucket is one slice of the rolling failure-count window.
type bucket struct {
	start    time.Time
	failures int
	successes int
}

// breaker is the per-key state, guarded by its own mutex.
type breaker struct {
	mu             sync.Mutex
	key            string
	cfg            Config
	state          CircuitState
	buckets        []bucket
	openedAt       time.Time
	nextProbeAt    time.Time
	cooldown       time.Duration
	probeInFlight  bool
	lastProbeAt    time.Time
	lastProbeOK    bool
	hasProbedSince bool
}

func newBreaker(key string, cfg Config) *breaker {
	return &breaker{key: key, cfg: cfg, state: StateClosed, cooldown: cfg.CooldownInitial}
}

func (b *breaker) bucketFor(now time.Time) *bucket {
	const bucketWidth = time.Second
	bucketStart := now.Truncate(bucketWidth)
	if n := len(b.buckets); n > 0 && b.buckets[n-1].start.Equal(bucketStart) {
		return &b.buckets[n-1]
	}
	b.buckets = append(b.buckets, bucket{start: bucketStart})
	b.evict(now)
	return &b.buckets[len(b.buckets)-1]
}

func (b *breaker) evict(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.buckets) && b.buckets[i].start.Before(cutoff) {
		i++
	}
	b.buckets = b.buckets[i:]
}

func (b *breaker) counts(now time.Time) (failures, successes int) {
	b.evict(now)
	for _, bk := range b.buckets {
		failures += bk.failures
		successes += bk.successes
	}
	return
}

// Manager is the process-wide registry of keyed breakers.
// Callers obtain a key's state through ShouldExecute/RecordSuccess/RecordFailure;
// there is no way to reach a breaker's internals from outside the package.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*breaker
	clock    core.Clock
	emitter  core.EventEmitter
}

func NewManager(cfg Config, clock core.Clock, emitter core.EventEmitter) *Manager {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if emitter == nil {
		emitter = core.NoOpEmitter{}
	}
	return &Manager{cfg: cfg, breakers: make(map[string]*breaker), clock: clock, emitter: emitter}
}

func (m *Manager) get(key string) *breaker {
	m.mu.RLock()
	b, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, m.cfg)
	m.breakers[key] = b
	return b
}

// ShouldExecute reports whether a call against key is currently permitted.
// In half_open, exactly one caller is let through as the probe; all others
// are rejected until that probe resolves.
func (m *Manager) ShouldExecute(key string) bool {
	b := m.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := m.clock.Now()

	switch b.state {
	case StateClosed:
		return true
	case StateQuarantined:
		return false
	case StateOpen:
		if now.Before(b.nextProbeAt) {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		m.emit("breaker.half_open_probe", map[string]interface{}{"key": key})
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		m.emit("breaker.half_open_probe", map[string]interface{}{"key": key})
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call against key.
func (m *Manager) RecordSuccess(key string) {
	b := m.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := m.clock.Now()
	b.bucketFor(now).successes++

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probeInFlight = false
		b.cooldown = b.cfg.CooldownInitial
		b.buckets = nil
		m.emit("breaker.closed", map[string]interface{}{"key": key})
	}
}

// RecordFailure records a failed call against key, classified by errorSignature.
func (m *Manager) RecordFailure(key, errorSignature string) {
	b := m.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := m.clock.Now()
	b.bucketFor(now).failures++

	switch b.state {
	case StateClosed:
		failures, _ := b.counts(now)
		if failures >= b.cfg.Threshold {
			b.trip(now, m)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.cooldown *= 2
		if b.cooldown > b.cfg.QuarantineAfter && b.cfg.QuarantineAfter > 0 {
			b.cooldown = b.cfg.QuarantineAfter
		}
		if b.cooldown > b.cfg.CooldownMax {
			b.cooldown = b.cfg.CooldownMax
		}
		b.trip(now, m)
	}

	if b.state == StateOpen && b.cfg.QuarantineAfter > 0 && now.Sub(b.openedAt) > b.cfg.QuarantineAfter {
		b.state = StateQuarantined
		m.emit("breaker.quarantined", map[string]interface{}{"key": key, "error_signature": errorSignature})
	}
}

func (b *breaker) trip(now time.Time, m *Manager) {
	b.state = StateOpen
	b.openedAt = now
	b.nextProbeAt = now.Add(b.cooldown)
	m.emit("breaker.opened", map[string]interface{}{"key": b.key})
}

// emit builds and publishes an event, swallowing the (impossible, since
// eventType is always a compile-time constant) validation error.
func (m *Manager) emit(eventType string, payload map[string]interface{}) {
	e, err := core.NewEvent(eventType, "resilience", m.clock.Now().UnixMilli(), payload)
	if err != nil {
		return
	}
	m.emitter.Emit(*e)
}

// State returns the current state of key, for dashboards and the router's
// least-recently-opened probe selection.
func (m *Manager) State(key string) CircuitState {
	b := m.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenedAt returns when key's breaker last tripped open, or the zero time
// if it never has. The value is not cleared when the breaker closes or is
// reset.
func (m *Manager) OpenedAt(key string) time.Time {
	b := m.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// OpenCount reports how many known breakers are currently open or
// quarantined, for Heartbeat's health report.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	keys := make([]*breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		keys = append(keys, b)
	}
	m.mu.RUnlock()

	count := 0
	for _, b := range keys {
		b.mu.Lock()
		if b.state == StateOpen || b.state == StateQuarantined {
			count++
		}
		b.mu.Unlock()
	}
	return count
}

// Reset forces key back to closed, clearing its failure window. Used by
// operator intervention on a quarantined breaker.
func (m *Manager) Reset(key string) {
	b := m.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.buckets = nil
	b.cooldown = b.cfg.CooldownInitial
	b.probeInFlight = false
}
