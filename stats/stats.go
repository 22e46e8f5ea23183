// Package stats is the narrow interface through which the supervisor
// reports what happens to it: counters for events and gauges for levels.
package stats

import (
	"sort"
	"sync"
)

// Sink receives counters and gauges. Implementations must never block
// the caller nor fail. Calls are fire-and-forget.
type Sink interface {
	IncrementCounter(name string)
	SetGauge(name string, value int64)
}

// Names of the counters and gauges reported by tillicum.
const (
	WorkerSpawned  = "worker.spawned"
	WorkerReady    = "worker.ready"
	WorkerDraining = "worker.draining"
	WorkerStopped  = "worker.stopped"
	WorkerCrashed  = "worker.crashed"
	SpawnFailed    = "worker.spawn_failed"

	RestartStart    = "restart.start"
	RestartSuccess  = "restart.success"
	RestartRollback = "restart.rollback"
	RestartDegraded = "restart.degraded"
	RestartRejected = "restart.rejected"

	HealthMiss  = "health.miss"
	HealthCrash = "health.crash"

	GaugeReady   = "workers.ready"
	GaugeTotal   = "workers.total"
	GaugeEpoch   = "epoch"
	GaugeRestart = "restart.in_progress"
)

type nop struct{}

func (nop) IncrementCounter(string)  {}
func (nop) SetGauge(string, int64) {}

// Nop is a Sink discarding everything.
var Nop Sink = nop{}

type multi []Sink

// Multi reports to all the given sinks.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	if len(m) == 0 {
		return Nop
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multi) IncrementCounter(name string) {
	for _, s := range m {
		s.IncrementCounter(name)
	}
}

func (m multi) SetGauge(name string, value int64) {
	for _, s := range m {
		s.SetGauge(name, value)
	}
}

// Memory keeps counters and gauges in memory. It's used by the status
// surface and in tests.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
}

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{counters: make(map[string]int64), gauges: make(map[string]int64)}
}

func (m *Memory) IncrementCounter(name string) {
	m.mu.Lock()
	m.counters[name]++
	m.mu.Unlock()
}

func (m *Memory) SetGauge(name string, value int64) {
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

// Counter returns the current count of name.
func (m *Memory) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Gauge returns the last value set for name and whether it was ever set.
func (m *Memory) Gauge(name string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.gauges[name]
	return v, ok
}

// Snapshot returns copies of all counters and gauges.
func (m *Memory) Snapshot() (counters, gauges map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counters = make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges = make(map[string]int64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	return
}

// Names returns the sorted names of all counters seen.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.counters))
	for k := range m.counters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
