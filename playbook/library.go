// Package playbook implements PlaybookLibrary: loads Playbook
// definitions from configuration and matches events against them.
// Loading follows core/config.go's LoadFromFile (JSON/YAML decode by
// extension); hot reload is an atomic pointer swap, so in-flight Match
// calls always see one complete, consistent snapshot.
package playbook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yangfei222666-9/aios/core"
)

// Library loads Playbook definitions and matches events against them.
// The live set is held behind an atomic.Pointer so Reload swaps it
// wholesale: a Match call in flight during a reload always sees one
// complete, internally-consistent snapshot, never a half-updated list.
type Library struct {
	playbooks atomic.Pointer[[]*core.Playbook]
}

func NewLibrary() *Library {
	l := &Library{}
	empty := []*core.Playbook{}
	l.playbooks.Store(&empty)
	return l
}

// LoadFile reads a JSON or YAML file holding a list of playbooks and
// installs it as the live set. Every playbook must satisfy
// core.Playbook.Valid(); the whole file is rejected if any entry fails,
// so a bad edit never partially replaces a good configuration.
func (l *Library) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("playbook: read %s: %w", path, err)
	}

	var decoded []*core.Playbook
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("playbook: parse json %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("playbook: parse yaml %s: %w", path, err)
		}
	default:
		return fmt.Errorf("playbook: unsupported extension %q: %w", ext, core.ErrInvalidConfiguration)
	}

	for _, p := range decoded {
		if !p.Valid() {
			return fmt.Errorf("playbook %q fails validation (auto_execute requires risk_class=low, and id/trigger are required): %w",
				p.ID, core.ErrInvalidConfiguration)
		}
	}

	l.playbooks.Store(&decoded)
	return nil
}

// Replace installs playbooks directly, bypassing file I/O — used by
// tests and by programmatic configuration.
func (l *Library) Replace(playbooks []*core.Playbook) error {
	for _, p := range playbooks {
		if !p.Valid() {
			return fmt.Errorf("playbook %q fails validation: %w", p.ID, core.ErrInvalidConfiguration)
		}
	}
	snapshot := append([]*core.Playbook(nil), playbooks...)
	l.playbooks.Store(&snapshot)
	return nil
}

// RecordExecution folds one Reactor run's outcome into playbook id's
// last_executed_ts/execution_count, copy-on-write like LoadFile/Replace so
// a Match in flight during the update always sees one complete snapshot.
// Unknown ids are a no-op: a playbook removed by a concurrent reload is not
// worth resurrecting just to record stats against it.
func (l *Library) RecordExecution(id string, at time.Time, success bool) {
	current := l.All()
	updated := make([]*core.Playbook, len(current))
	copy(updated, current)
	for i, p := range updated {
		if p.ID != id {
			continue
		}
		next := *p
		ts := at
		next.LastExecutedTs = &ts
		next.ExecutionCount++
		updated[i] = &next
		break
	}
	l.playbooks.Store(&updated)
}

// All returns the current snapshot of loaded playbooks.
func (l *Library) All() []*core.Playbook {
	return *l.playbooks.Load()
}

// Match returns every playbook whose trigger matches event, in declared
// order. Matching stops after the first collected playbook that does not
// set multi_match=true.
func Match(snapshot []*core.Playbook, event core.Event) []*core.Playbook {
	var matches []*core.Playbook
	for _, p := range snapshot {
		if !core.MatchesPattern(p.Trigger.EventPattern, event.Type) {
			continue
		}
		if p.Trigger.Condition != nil && !evalCondition(*p.Trigger.Condition, event) {
			continue
		}
		matches = append(matches, p)
		if !p.MultiMatch {
			break
		}
	}
	return matches
}

// Match finds every playbook in the library's current snapshot whose
// trigger matches event.
func (l *Library) Match(event core.Event) []*core.Playbook {
	return Match(l.All(), event)
}

func evalCondition(c core.Condition, event core.Event) bool {
	actual, ok := event.Payload[c.Field]
	if !ok {
		return false
	}
	switch c.Op {
	case core.CondEquals:
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", c.Value)
	case core.CondGreater:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case core.CondLess:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	case core.CondMatchRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", actual))
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
