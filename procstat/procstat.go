// Package procstat samples host and worker process resource usage from
// /proc into stats gauges.
package procstat

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/c9s/goprocinfo/linux"
	"go.uber.org/multierr"

	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/stats"
)

// Gauge names
const (
	GaugeLoad1        = "host.load1" // x100
	GaugeMemAvailable = "host.mem_available_kb"
)

// WorkerRSS is the gauge name of the resident set size of the n'th worker.
func WorkerRSS(n int) string {
	return "worker." + strconv.Itoa(n) + ".rss_kb"
}

// DefaultInterval between samples.
const DefaultInterval = 10 * time.Second

var logger = log.GetLogger("tillicum/procstat")

// Pids returns the process ids of the workers, in a stable order.
type Pids func() []int

// Sampler reads /proc and reports gauges.
type Sampler struct {
	// Root of the proc filesystem, "/proc" if empty.
	Root     string
	Interval time.Duration
	Stats    stats.Sink
	Pids     Pids

	slots int // worker gauges reported last time
}

func (s *Sampler) root() string {
	if s.Root == "" {
		return "/proc"
	}
	return s.Root
}

// Sample reads once and sets the gauges. Workers which went away since the
// previous sample get their gauge set to 0.
func (s *Sampler) Sample() error {
	var errs error
	root := s.root()
	sink := s.Stats
	if sink == nil {
		sink = stats.Nop
	}

	if la, err := linux.ReadLoadAvg(filepath.Join(root, "loadavg")); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		sink.SetGauge(GaugeLoad1, int64(la.Last1Min*100))
	}
	if mi, err := linux.ReadMemInfo(filepath.Join(root, "meminfo")); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		sink.SetGauge(GaugeMemAvailable, int64(mi.MemAvailable))
	}

	var pids []int
	if s.Pids != nil {
		pids = s.Pids()
	}
	for i, pid := range pids {
		st, err := linux.ReadProcessStatus(filepath.Join(root, strconv.Itoa(pid), "status"))
		if err != nil {
			// the worker may just have exited
			errs = multierr.Append(errs, fmt.Errorf("worker %d: %w", pid, err))
			sink.SetGauge(WorkerRSS(i), 0)
			continue
		}
		sink.SetGauge(WorkerRSS(i), int64(st.VmRSS))
	}
	for i := len(pids); i < s.slots; i++ {
		sink.SetGauge(WorkerRSS(i), 0)
	}
	s.slots = len(pids)
	return errs
}

// Run samples every Interval until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := s.Sample(); err != nil {
			logger.DEBUG("Sampling failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
