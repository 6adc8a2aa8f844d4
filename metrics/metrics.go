// Package metrics is a thin wrapper around github.com/rcrowley/go-metrics,
// mirroring the teacher's own metrics package: a process-wide registry and
// GetOrRegisterX helpers for the counters the cache, DML and migration
// controller publish.
package metrics

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

var registry = gometrics.NewRegistry()

// Meter counts events and their rate, e.g. cache hits/misses, bytes
// written back, objects migrated.
type Meter struct{ m gometrics.Meter }

func (m *Meter) Mark(n int64) {
	if m == nil || m.m == nil {
		return
	}
	m.m.Mark(n)
}

func (m *Meter) Count() int64 {
	if m == nil || m.m == nil {
		return 0
	}
	return m.m.Count()
}

// Counter is a simple up/down counter, e.g. live cache entries.
type Counter struct{ c gometrics.Counter }

func (c *Counter) Inc(n int64) {
	if c == nil || c.c == nil {
		return
	}
	c.c.Inc(n)
}

func (c *Counter) Dec(n int64) {
	if c == nil || c.c == nil {
		return
	}
	c.c.Dec(n)
}

func (c *Counter) Count() int64 {
	if c == nil || c.c == nil {
		return 0
	}
	return c.c.Count()
}

// Timer tracks the duration distribution of an operation, e.g. write-back
// latency.
type Timer struct{ t gometrics.Timer }

// UpdateSince records the elapsed time since start.
func (t *Timer) UpdateSince(start time.Time) {
	if t == nil || t.t == nil {
		return
	}
	t.t.UpdateSince(start)
}

func GetOrRegisterMeter(name string) *Meter {
	return &Meter{m: gometrics.GetOrRegisterMeter(name, registry)}
}

func GetOrRegisterCounter(name string) *Counter {
	return &Counter{c: gometrics.GetOrRegisterCounter(name, registry)}
}

func GetOrRegisterTimer(name string) *Timer {
	return &Timer{t: gometrics.GetOrRegisterTimer(name, registry)}
}

// Registry exposes the underlying go-metrics registry for snapshotting
// (e.g. a future reporting exporter); kept narrow on purpose.
func Registry() gometrics.Registry { return registry }
