// Package bus implements AIOS's single in-process EventBus: emit()
// validates and persists an event, then fans it out to pattern-matched
// subscribers. Each subscriber gets its own buffered channel and delivery
// goroutine (panic-recovered, counted, drained on Close with a timeout),
// so one slow subscriber's backlog can never stall another.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yangfei222666-9/aios/core"
	"github.com/yangfei222666-9/aios/store"
)

// Handler processes one delivered event. A handler that panics or returns
// an error is isolated: the bus catches it, logs it, and records a
// core.subscriber.error event in the store (it is not delivered to other
// subscribers) — the failure never reaches Emit's caller.
type Handler func(core.Event) error

// DefaultQueueDepth is each subscriber's delivery buffer size — the high
// water mark past which low-severity events are dropped rather than
// blocking the emitter.
const DefaultQueueDepth = 256

type subscription struct {
	id      int64
	pattern string
	handler Handler
	queue   chan core.Event
	dropped atomic.Int64

	mu      sync.Mutex
	running bool
}

// EventBus is AIOS's single process-wide pub/sub bus.
type EventBus struct {
	mu            sync.RWMutex
	subs          []*subscription
	nextSubID     atomic.Int64
	store         *store.EventStore
	clock         core.Clock
	logger        core.Logger
	queueDepth    int
	wg            sync.WaitGroup
	stopped       atomic.Bool
	lastEmitMs    map[string]int64 // per-source monotonicity guard
	lastEmitMu    sync.Mutex
}

// Config tunes the bus's delivery behavior.
type Config struct {
	QueueDepth int
}

func DefaultConfig() Config {
	return Config{QueueDepth: DefaultQueueDepth}
}

// NewEventBus builds a bus backed by es for persistence. es may be nil in
// tests that only exercise fan-out.
func NewEventBus(es *store.EventStore, clock core.Clock, logger core.Logger, cfg Config) *EventBus {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &EventBus{
		store:      es,
		clock:      clock,
		logger:     logger,
		queueDepth: cfg.QueueDepth,
		lastEmitMs: make(map[string]int64),
	}
}

// Subscribe registers handler for every event type matching pattern
// (core.MatchesPattern), in registration order. Returns an unsubscribe func.
func (b *EventBus) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	sub := &subscription{
		id:      b.nextSubID.Add(1),
		pattern: pattern,
		handler: handler,
		queue:   make(chan core.Event, b.queueDepth),
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	sub.mu.Lock()
	sub.running = true
	sub.mu.Unlock()
	b.wg.Add(1)
	go b.deliverLoop(sub)

	return func() { b.unsubscribe(sub.id) }
}

func (b *EventBus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			close(s.queue)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit validates eventType, stamps id/timestamp_ms, persists it, and fans
// it out to every matching subscriber. A disk-full persist failure
// degrades the store to in-memory mode (announced once as
// core.storage.degraded) and the event is still delivered from memory.
// Low-severity events are dropped per-subscriber once that subscriber's
// delivery queue is saturated; warning/error events are never dropped —
// Emit blocks briefly to deliver them instead.
func (b *EventBus) Emit(eventType, source string, payload map[string]interface{}, severity core.Severity, durable bool) (core.Event, error) {
	now := b.stampedNow(source)
	e, err := core.NewEvent(eventType, source, now, payload)
	if err != nil {
		return core.Event{}, err
	}
	e.Severity = severity
	e.Durable = durable

	if b.store != nil && !b.store.Degraded() {
		if _, err := b.store.Append(store.StreamEvents, e, e.Durable); err != nil {
			if !errors.Is(err, core.ErrStorageExhausted) {
				b.logger.Error("event persist failed", map[string]interface{}{"type": eventType, "error": err.Error()})
				b.fanOut(*e)
				return *e, err
			}
			b.degradeStore(eventType, err)
		}
	}

	b.fanOut(*e)
	return *e, nil
}

// degradeStore handles a disk-full append failure: flip the store into
// in-memory mode and announce core.storage.degraded to subscribers, once
// per transition. Events keep flowing from memory; only durability is
// lost until the condition clears.
func (b *EventBus) degradeStore(failedType string, cause error) {
	b.logger.Error("event persist failed, degrading to in-memory delivery", map[string]interface{}{
		"type": failedType, "error": cause.Error(),
	})
	if !b.store.MarkDegraded() {
		return
	}
	e, err := core.NewEvent("core.storage.degraded", "bus", b.stampedNow("bus"), map[string]interface{}{
		"error": cause.Error(),
	})
	if err != nil {
		return
	}
	e.Severity = core.SeverityError
	b.fanOut(*e)
}

// stampedNow enforces per-source monotonic timestamps, since two events
// from the same emitter must never appear to reorder downstream.
func (b *EventBus) stampedNow(source string) int64 {
	now := b.clock.Now().UnixMilli()
	b.lastEmitMu.Lock()
	defer b.lastEmitMu.Unlock()
	if prev, ok := b.lastEmitMs[source]; ok && now <= prev {
		now = prev + 1
	}
	b.lastEmitMs[source] = now
	return now
}

func (b *EventBus) fanOut(e core.Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if core.MatchesPattern(s.pattern, e.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if e.Severity >= core.SeverityWarning {
			s.queue <- e // never dropped; backpressure here applies to the emitter
			continue
		}
		select {
		case s.queue <- e:
		default:
			s.dropped.Add(1)
			b.logger.Warn("dropped low-severity event: subscriber queue saturated", map[string]interface{}{
				"pattern": s.pattern, "event_type": e.Type,
			})
		}
	}
}

func (b *EventBus) deliverLoop(s *subscription) {
	defer b.wg.Done()
	for e := range s.queue {
		b.deliverOne(s, e)
	}
}

func (b *EventBus) deliverOne(s *subscription, e core.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.emitSubscriberError(s.pattern, e, fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := s.handler(e); err != nil {
		b.emitSubscriberError(s.pattern, e, err)
	}
}

func (b *EventBus) emitSubscriberError(pattern string, e core.Event, handlerErr error) {
	b.logger.Error("subscriber handler failed", map[string]interface{}{
		"pattern": pattern, "event_type": e.Type, "error": handlerErr.Error(),
	})
	errEvent, err := core.NewEvent("core.subscriber.error", "bus", b.clock.Now().UnixMilli(), map[string]interface{}{
		"pattern": pattern, "event_type": e.Type, "error": handlerErr.Error(),
	})
	if err != nil {
		return
	}
	errEvent.Severity = core.SeverityError
	errEvent.Durable = true
	if b.store != nil {
		_, _ = b.store.Append(store.StreamEvents, errEvent, true)
	}
	// Deliberately not re-entering fanOut: a broken subscriber reacting to
	// its own error event is a self-inflicted storm we don't protect against
	// elsewhere, so core.subscriber.error is observation-only here.
}

// DroppedCount returns how many low-severity events have been dropped,
// summed over every subscriber registered with exactly this pattern
// (diagnostic / dashboard use).
func (b *EventBus) DroppedCount(pattern string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, s := range b.subs {
		if s.pattern == pattern {
			total += s.dropped.Load()
		}
	}
	return total
}

// Close stops accepting new subscriptions' delivery and waits up to
// shutdownTimeout for in-flight handler calls to drain.
func (b *EventBus) Close(shutdownTimeout time.Duration) error {
	if b.stopped.Swap(true) {
		return nil
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		close(s.queue)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("bus: shutdown timed out with subscribers still draining")
	}
}
