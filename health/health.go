// Package health watches worker heartbeats and reports workers which stopped
// sending them.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/stats"
	"github.com/ieure/tillicum/worker"
)

// Defaults for Config.
const (
	DefaultInterval  = time.Second
	DefaultThreshold = 3 * time.Second
	DefaultMaxMisses = 3
)

// ErrHealthCheckMiss is logged for every poll finding a stale heartbeat.
var ErrHealthCheckMiss = errors.New("health check miss")

var logger = log.GetLogger("tillicum/health")

// Config of a Monitor.
type Config struct {
	// Interval between polls.
	Interval time.Duration `mapstructure:"interval"`
	// Threshold is the heartbeat age counting as a miss.
	Threshold time.Duration `mapstructure:"threshold"`
	// MaxMisses consecutive misses make a worker crashed.
	MaxMisses int `mapstructure:"max_misses"`
}

// WithDefaults fills in zero values.
func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MaxMisses <= 0 {
		c.MaxMisses = DefaultMaxMisses
	}
	return c
}

// Record is the health of one worker.
type Record struct {
	ID       string       `json:"id"`
	Epoch    uint64       `json:"epoch"`
	State    worker.State `json:"state"`
	LastSeen time.Time    `json:"last_seen"`
	Misses   int          `json:"misses"`

	reported bool
}

// Verdict tells a worker has missed too many heartbeats.
type Verdict struct {
	Handle   *worker.Handle
	Misses   int
	LastSeen time.Time
}

// Source returns the workers to watch. It's called from the Monitor
// go-routine and must be safe for that.
type Source func() []*worker.Handle

// Monitor polls workers on a fixed interval. It's the only writer of the
// health records. It doesn't change worker state itself: verdicts go to
// whoever owns the workers.
type Monitor struct {
	cfg      Config
	source   Source
	stats    stats.Sink
	verdicts chan Verdict

	mu      sync.RWMutex
	records map[string]*Record
}

// New creates a Monitor. Run starts it.
func New(cfg Config, source Source, st stats.Sink) *Monitor {
	if st == nil {
		st = stats.Nop
	}
	return &Monitor{
		cfg:      cfg.WithDefaults(),
		source:   source,
		stats:    st,
		verdicts: make(chan Verdict, 16),
		records:  make(map[string]*Record),
	}
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Verdicts delivers the workers found crashed.
func (m *Monitor) Verdicts() <-chan Verdict {
	return m.verdicts
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, v := range m.Poll(now) {
				select {
				case m.verdicts <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Poll checks all ready and draining workers once, as of now.
// A worker whose latest heartbeat is older than the threshold has missed;
// a fresh heartbeat clears the count. Reaching MaxMisses gives a Verdict,
// once per worker.
func (m *Monitor) Poll(now time.Time) []Verdict {
	handles := m.source()

	m.mu.Lock()
	defer m.mu.Unlock()

	var verdicts []Verdict
	seen := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		seen[h.ID()] = struct{}{}
		rec, ok := m.records[h.ID()]
		if !ok {
			rec = &Record{ID: h.ID(), Epoch: h.Epoch()}
			m.records[h.ID()] = rec
		}
		rec.State = h.State()
		last, ok := h.Heartbeat()
		if !ok {
			last = h.Started()
		}
		rec.LastSeen = last

		if rec.State != worker.Ready && rec.State != worker.Draining {
			continue
		}
		if now.Sub(last) <= m.cfg.Threshold {
			rec.Misses = 0
			continue
		}
		rec.Misses++
		m.stats.IncrementCounter(stats.HealthMiss)
		logger.WARN("Stale heartbeat", "err", ErrHealthCheckMiss, "id", rec.ID, "epoch", rec.Epoch,
			"age", now.Sub(last).Truncate(time.Millisecond), "misses", rec.Misses)

		if rec.Misses >= m.cfg.MaxMisses && !rec.reported {
			rec.reported = true
			m.stats.IncrementCounter(stats.HealthCrash)
			logger.ERROR("Worker unresponsive", "id", rec.ID, "epoch", rec.Epoch, "misses", rec.Misses)
			verdicts = append(verdicts, Verdict{Handle: h, Misses: rec.Misses, LastSeen: last})
		}
	}
	for id := range m.records {
		if _, ok := seen[id]; !ok {
			delete(m.records, id)
		}
	}
	return verdicts
}

// Records returns a copy of all health records, ordered by epoch and id.
func (m *Monitor) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Epoch != out[j].Epoch {
			return out[i].Epoch < out[j].Epoch
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Record returns the health record of one worker.
func (m *Monitor) Record(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}
