// Package stats collects named counters from the simulated machine and
// reports them when a run ends. Nothing is persisted; a flush writes the
// collected values to the log.
package stats

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/go-logr/logr"
)

// ErrFlush wraps failures to deliver a flush.
var ErrFlush = errors.New("stats flush failed")

// Sink receives statistics.
type Sink interface {
	// Record sets the value of scope/name.
	Record(scope, name string, value float64)

	// Capture freezes the current values as a snapshot. An empty name
	// yields a periodic snapshot.
	Capture(name string, cycle uint64)

	// Flush reports every value under tags.
	Flush(tags Tags) error
}

// Tags label a flush.
type Tags struct {
	RunID         string
	MachineConfig string
	Bench         string
	Hostname      string
	Domain        string
	Date          string
	User          []string
}

// Strings renders the non-empty tags as key:value pairs, followed by the
// user tags as they are.
func (t Tags) Strings() []string {
	var out []string
	add := func(k, v string) {
		if v != "" {
			out = append(out, k+":"+v)
		}
	}
	add("run", t.RunID)
	add("config", t.MachineConfig)
	add("bench", t.Bench)
	add("host", t.Hostname)
	add("domain", t.Domain)
	add("date", t.Date)
	return append(out, t.User...)
}

// Snapshot is a frozen copy of the values at a cycle.
type Snapshot struct {
	Name   string
	Cycle  uint64
	Values map[string]float64
}

// Memory is an in-memory Sink that flushes to a logger.
type Memory struct {
	logger    logr.Logger
	values    map[string]float64
	snapshots []Snapshot
	flushes   int

	// FlushHook, when set, runs before the values are logged. A non-nil
	// error aborts the flush.
	FlushHook func(Tags) error
}

// NewMemory creates an empty sink logging to logger.
func NewMemory(logger logr.Logger) *Memory {
	return &Memory{
		logger: logger,
		values: make(map[string]float64),
	}
}

func key(scope, name string) string {
	return scope + "." + name
}

// Record sets the value of scope/name.
func (m *Memory) Record(scope, name string, value float64) {
	m.values[key(scope, name)] = value
}

// Value returns the value of scope/name.
func (m *Memory) Value(scope, name string) (float64, bool) {
	v, ok := m.values[key(scope, name)]
	return v, ok
}

// Capture freezes the current values.
func (m *Memory) Capture(name string, cycle uint64) {
	if name == "" {
		name = fmt.Sprintf("periodic-%d", len(m.snapshots))
	}
	m.snapshots = append(m.snapshots, Snapshot{
		Name:   name,
		Cycle:  cycle,
		Values: maps.Clone(m.values),
	})
	m.logger.V(1).Info("Captured stats snapshot", "name", name, "cycle", cycle)
}

// Snapshots returns every snapshot captured so far.
func (m *Memory) Snapshots() []Snapshot {
	return m.snapshots
}

// Flushes returns how many flushes completed.
func (m *Memory) Flushes() int {
	return m.flushes
}

// Flush logs every value in name order.
func (m *Memory) Flush(tags Tags) error {
	if m.FlushHook != nil {
		if err := m.FlushHook(tags); err != nil {
			return fmt.Errorf("%w: %w", ErrFlush, err)
		}
	}

	m.logger.Info("Stats", "tags", tags.Strings(), "snapshots", len(m.snapshots))
	for _, k := range slices.Sorted(maps.Keys(m.values)) {
		m.logger.Info("Stat", "name", k, "value", m.values[k])
	}

	m.flushes++
	return nil
}
