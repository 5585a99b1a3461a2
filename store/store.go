// Package store implements AIOS's EventStore: an append-only,
// JSONL-backed log of records partitioned into a small set of named
// streams (events, test_events, traces, agent_configs, playbook_exec,
// proposals, rollback). File I/O stays on the standard library — no
// ecosystem library owns "append JSON lines with rotation" better than a
// thin wrapper — with github.com/google/uuid for record ids.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yangfei222666-9/aios/core"
)

// Standard stream names.
const (
	StreamEvents       = "events"
	StreamTestEvents   = "test_events"
	StreamTraces       = "traces"
	StreamAgentConfigs = "agent_configs"
	StreamPlaybookExec = "playbook_exec"
	StreamProposals    = "proposals"
	StreamRollback     = "rollback"
	StreamPlans        = "plans"
	StreamTaskQueue    = "task_queue"
)

// Record is one entry in a stream: a monotonic, gap-free offset plus the
// caller's payload serialized to JSON.
type Record struct {
	Offset int64           `json:"offset"`
	ID     string          `json:"id"`
	TsMs   int64           `json:"ts_ms"`
	Data   json.RawMessage `json:"data"`
}

// Filter is applied by Read to decide whether a record should be yielded.
type Filter func(Record) bool

// RotatePolicy bounds one stream's active segment.
type RotatePolicy struct {
	MaxBytes int64
	MaxAge   time.Duration
}

type stream struct {
	mu         sync.Mutex
	name       string
	path       string
	file       *os.File
	writer     *bufio.Writer
	nextOffset int64
	segments   []string // rotated, still-readable segment paths, oldest first
}

// EventStore owns one append-only file per stream under root.
type EventStore struct {
	mu       sync.RWMutex
	root     string
	clock    core.Clock
	emitter  core.EventEmitter
	logger   core.Logger
	streams  map[string]*stream
	degraded bool
}

// NewEventStore opens (or creates) root and recovers every known stream,
// truncating any corrupted trailing record so the stream stays readable.
func NewEventStore(root string, clock core.Clock, emitter core.EventEmitter, logger core.Logger) (*EventStore, error) {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if emitter == nil {
		emitter = core.NoOpEmitter{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root %s: %w", root, err)
	}
	es := &EventStore{root: root, clock: clock, emitter: emitter, logger: logger, streams: make(map[string]*stream)}

	for _, name := range []string{StreamEvents, StreamTestEvents, StreamTraces, StreamAgentConfigs, StreamPlaybookExec, StreamProposals, StreamRollback, StreamPlans, StreamTaskQueue} {
		if _, err := es.openStream(name); err != nil {
			return nil, err
		}
	}
	return es, nil
}

func (es *EventStore) openStream(name string) (*stream, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if s, ok := es.streams[name]; ok {
		return s, nil
	}

	path := filepath.Join(es.root, name+".jsonl")
	nextOffset, err := repairAndCount(path, es)
	if err != nil {
		return nil, err
	}

	// Rotated segments from a previous run stay readable: rediscover them
	// so Read still sees their records, and continue the offset sequence
	// from the newest one when the active file is empty or behind.
	segments, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, fmt.Errorf("store: list rotated segments for %s: %w", name, err)
	}
	sort.Strings(segments)
	if len(segments) > 0 {
		if last, err := lastOffsetIn(segments[len(segments)-1]); err == nil && last > nextOffset {
			nextOffset = last
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open stream %s: %w", name, err)
	}
	s := &stream{name: name, path: path, file: f, writer: bufio.NewWriter(f), nextOffset: nextOffset, segments: segments}
	es.streams[name] = s
	return s, nil
}

// lastOffsetIn scans a rotated (immutable) segment and returns the offset
// one past its last valid record. Unlike repairAndCount it never
// truncates: rotated segments are read-only history.
func lastOffsetIn(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var next int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			break
		}
		next = rec.Offset + 1
	}
	return next, scanner.Err()
}

// repairAndCount scans an existing stream file, discarding a corrupted
// trailing record and returning the next offset to assign. A stream file
// that doesn't exist yet starts at offset 0.
func repairAndCount(path string, es *EventStore) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: open %s for repair scan: %w", path, err)
	}
	defer f.Close()

	var nextOffset int64
	var validBytes int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			break // corrupted trailing record: stop here, don't advance validBytes
		}
		validBytes += int64(len(line)) + 1
		nextOffset = rec.Offset + 1
	}

	fi, statErr := f.Stat()
	if statErr == nil && fi.Size() > validBytes {
		if err := os.Truncate(path, validBytes); err != nil {
			return 0, fmt.Errorf("store: truncate corrupted tail of %s: %w", path, err)
		}
		e, _ := core.NewEvent("core.storage.repaired", "store", es.clock.Now().UnixMilli(), map[string]interface{}{
			"stream": filepath.Base(path), "truncated_to_bytes": validBytes,
		})
		if e != nil {
			es.emitter.Emit(*e)
		}
		es.logger.Warn("truncated corrupted trailing record", map[string]interface{}{"path": path, "valid_bytes": validBytes})
	}
	return nextOffset, nil
}

// Append writes record to stream and returns its monotonic offset.
// durable=true forces an fsync before returning (error and state-change
// events); other callers may accept best-effort buffering.
func (es *EventStore) Append(streamName string, record interface{}, durable bool) (int64, error) {
	s, err := es.openStream(streamName)
	if err != nil {
		return 0, err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("store: marshal record for stream %s: %w", streamName, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{Offset: s.nextOffset, ID: uuid.New().String(), TsMs: es.clock.Now().UnixMilli(), Data: data}
	line, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("store: marshal envelope for stream %s: %w", streamName, err)
	}

	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrStorageExhausted, err)
	}
	if err := s.writer.Flush(); err != nil {
		return 0, fmt.Errorf("%w: %v", core.ErrStorageExhausted, err)
	}
	if durable {
		if err := s.file.Sync(); err != nil {
			return 0, fmt.Errorf("%w: %v", core.ErrStorageExhausted, err)
		}
	}

	s.nextOffset++
	return rec.Offset, nil
}

// Read returns every record in stream matching filter, starting strictly
// after sinceOffset (pass -1 to read from the beginning) and at or before
// untilTs (zero value means no upper bound). Rotated segments are scanned
// first (oldest to newest), then the active file, so rotation never hides
// records from readers. The scan is restartable: the last yielded
// record's Offset can be passed back as sinceOffset.
func (es *EventStore) Read(streamName string, filter Filter, sinceOffset int64, untilTs time.Time) ([]Record, error) {
	s, err := es.openStream(streamName)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := s.writer.Flush(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("store: flush stream %s before read: %w", streamName, err)
	}
	paths := make([]string, 0, len(s.segments)+1)
	paths = append(paths, s.segments...)
	paths = append(paths, s.path)
	s.mu.Unlock()

	var out []Record
	for _, path := range paths {
		stop, err := scanSegment(path, filter, sinceOffset, untilTs, &out)
		if err != nil {
			return nil, fmt.Errorf("store: read stream %s: %w", streamName, err)
		}
		if stop {
			break
		}
	}
	return out, nil
}

// scanSegment appends matching records from one segment file to out. A
// rotated segment pruned by an operator between the snapshot and the scan
// is skipped rather than failing the read. Returns stop=true once a
// record past untilTs is seen; timestamps are non-decreasing within and
// across segments, so nothing later can match.
func scanSegment(path string, filter Filter, sinceOffset int64, untilTs time.Time, out *[]Record) (stop bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // tolerate a torn trailing line; repair already ran at open
		}
		if rec.Offset <= sinceOffset {
			continue
		}
		if !untilTs.IsZero() && rec.TsMs > untilTs.UnixMilli() {
			return true, nil
		}
		if filter != nil && !filter(rec) {
			continue
		}
		*out = append(*out, rec)
	}
	return false, scanner.Err()
}

// Rotate closes the active segment, renames it aside with a timestamp
// suffix, and starts a fresh one. Rotated segments stay on the stream's
// segment list, so Read keeps returning their records until an operator
// prunes the files; AIOS does not apply its own retention horizon.
func (es *EventStore) Rotate(streamName string, policy RotatePolicy) error {
	s, err := es.openStream(streamName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("store: flush before rotate: %w", err)
	}
	fi, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("store: stat before rotate: %w", err)
	}
	if policy.MaxBytes > 0 && fi.Size() < policy.MaxBytes {
		return nil // below threshold, nothing to do
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("store: close before rotate: %w", err)
	}
	rotatedPath := fmt.Sprintf("%s.%d", s.path, es.clock.Now().UnixNano())
	if err := os.Rename(s.path, rotatedPath); err != nil {
		return fmt.Errorf("store: rename segment: %w", err)
	}
	s.segments = append(s.segments, rotatedPath)

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: reopen after rotate: %w", err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	return nil
}

// Degraded reports whether the store has fallen back to in-memory mode
// after a disk-full condition (EventBus checks this to skip persistence
// and deliver straight from memory).
func (es *EventStore) Degraded() bool {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.degraded
}

// MarkDegraded flips the store into degraded mode, emitting
// core.storage.degraded through the store's own emitter exactly once per
// transition. Returns true when this call performed the transition, so
// the caller (EventBus) can announce the degradation on the bus without
// a duplicate on concurrent append failures.
func (es *EventStore) MarkDegraded() bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.degraded {
		return false
	}
	es.degraded = true
	e, err := core.NewEvent("core.storage.degraded", "store", es.clock.Now().UnixMilli(), nil)
	if err == nil {
		es.emitter.Emit(*e)
	}
	return true
}

// DiskUsageBytes sums the size of every file under root, for Heartbeat's
// health report.
func (es *EventStore) DiskUsageBytes() (int64, error) {
	var total int64
	err := filepath.Walk(es.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: disk usage for %s: %w", es.root, err)
	}
	return total, nil
}

// Close flushes and closes every stream's active file handle.
func (es *EventStore) Close() error {
	es.mu.RLock()
	defer es.mu.RUnlock()
	var firstErr error
	for _, s := range es.streams {
		s.mu.Lock()
		if err := s.writer.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mu.Unlock()
	}
	return firstErr
}
