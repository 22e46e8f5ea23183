// Package restart implements graceful restarts of a worker pool:
// a complete new epoch of workers must be ready before the old one is
// drained. Otherwise the new epoch is rolled back.
package restart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/stats"
	"github.com/ieure/tillicum/worker"
)

// Default timeouts.
const (
	DefaultReadyTimeout = 10 * time.Second
	DefaultDrainTimeout = 30 * time.Second
	DefaultStopTimeout  = 5 * time.Second
)

var logger = log.GetLogger("tillicum/restart")

// Config has the restart timeouts.
type Config struct {
	// ReadyTimeout is how long the new epoch gets to become ready.
	ReadyTimeout time.Duration `mapstructure:"ready"`
	// DrainTimeout is how long old workers get to finish open connections.
	DrainTimeout time.Duration `mapstructure:"drain"`
	// StopTimeout is how long a worker asked to stop gets before it's killed.
	StopTimeout time.Duration `mapstructure:"stop"`
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Pool is the worker registry the Coordinator works on.
type Pool interface {
	// Spawn starts and registers a worker in epoch.
	Spawn(ctx context.Context, epoch uint64) (*worker.Handle, error)
	// Promote makes epoch the current one.
	Promote(epoch uint64)
	// Retire drops a terminated worker from the registry.
	Retire(h *worker.Handle)
	// PhaseChanged is called after every transition.
	PhaseChanged(p Phase)
}

// Result of one restart.
type Result struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
	// Err is nil if the new epoch took over.
	Err error `json:"-"`
	// Drain has an ErrDrainTimeout for each old worker which was terminated.
	Drain    error     `json:"-"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Degraded tells the restart succeeded but some old workers were cut short.
func (r Result) Degraded() bool {
	return r.Err == nil && r.Drain != nil
}

// Coordinator runs restarts, one at a time.
type Coordinator struct {
	cfg   Config
	pool  Pool
	stats stats.Sink

	mu    sync.Mutex
	phase Phase
	last  uint64 // highest epoch handed out
}

// New creates a Coordinator with epoch as the current one.
func New(cfg Config, pool Pool, st stats.Sink, epoch uint64) *Coordinator {
	if st == nil {
		st = stats.Nop
	}
	return &Coordinator{
		cfg:   cfg.withDefaults(),
		pool:  pool,
		stats: st,
		phase: Idle{Current: epoch},
		last:  epoch,
	}
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// InProgress tells whether a restart is in flight.
func (c *Coordinator) InProgress() bool {
	_, idle := c.Phase().(Idle)
	return !idle
}

func (c *Coordinator) set(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	logger.DEBUG("Restart phase", "phase", p.Name(), "epoch", p.Epoch())
	c.pool.PhaseChanged(p)
}

// Begin reserves the restart slot and allocates the next epoch. Epochs are
// never reused, also not after a rollback. It fails with
// ErrRestartInProgress unless idle.
func (c *Coordinator) Begin() (SpawningNew, error) {
	c.mu.Lock()
	idle, ok := c.phase.(Idle)
	if !ok {
		p := c.phase
		c.mu.Unlock()
		c.stats.IncrementCounter(stats.RestartRejected)
		return SpawningNew{}, fmt.Errorf("%w (%s, epoch %d)", ErrRestartInProgress, p.Name(), p.Epoch())
	}
	c.last++
	s := idle.begin(c.last)
	c.phase = s
	c.mu.Unlock()

	c.stats.IncrementCounter(stats.RestartStart)
	c.stats.SetGauge(stats.GaugeRestart, 1)
	c.pool.PhaseChanged(s)
	return s, nil
}

// Cancel gives up a restart begun but never run.
func (c *Coordinator) Cancel(s SpawningNew) {
	c.mu.Lock()
	if p, ok := c.phase.(SpawningNew); !ok || p.To != s.To {
		c.mu.Unlock()
		return
	}
	c.phase = s.rollback()
	c.mu.Unlock()
	c.stats.SetGauge(stats.GaugeRestart, 0)
	c.pool.PhaseChanged(s.rollback())
}

// Run drives a restart begun with Begin to completion, replacing the old
// workers with target new ones. Canceling ctx aborts it: before the new
// epoch is ready it's terminated, after that the draining workers are left
// for the caller.
func (c *Coordinator) Run(ctx context.Context, s SpawningNew, old []*worker.Handle, target int) (res Result) {
	res = Result{From: s.From, To: s.To, Started: time.Now()}
	s = s.with(old, target)
	c.mu.Lock()
	c.phase = s
	c.mu.Unlock()
	logger.INFO("Restart", "from", s.From, "to", s.To, "workers", s.Target)
	defer func() {
		res.Finished = time.Now()
		c.stats.SetGauge(stats.GaugeRestart, 0)
		took := res.Finished.Sub(res.Started).Truncate(time.Millisecond)
		switch {
		case res.Err != nil:
			logger.ERROR("Restart failed", "from", res.From, "to", res.To, "err", res.Err, "took", took)
		case res.Drain != nil:
			logger.WARN("Restart degraded", "epoch", res.To, "err", res.Drain, "took", took)
		default:
			logger.NOTICE("Restart done", "epoch", res.To, "took", took)
		}
	}()

	// spawning_new
	pending, err := c.spawn(ctx, s)
	if err != nil {
		res.Err = err
		if ctx.Err() != nil {
			res.Err = ErrRestartAborted
		}
		c.rollback(ctx, pending, s.rollback())
		return
	}
	w := s.spawned(pending)
	c.set(w)

	// waiting_ready
	if err := c.waitReady(ctx, w.Pending); err != nil {
		res.Err = err
		if ctx.Err() != nil {
			res.Err = ErrRestartAborted
		}
		c.rollback(ctx, w.Pending, w.rollback())
		return
	}
	d := w.ready()
	c.pool.Promote(d.To)
	c.set(d)

	// draining_old
	var draining []*worker.Handle
	for _, h := range d.Old {
		if err := h.RequestDrain(); err != nil {
			// not serving, nothing to wait for
			h.Terminate(c.cfg.StopTimeout)
			c.pool.Retire(h)
			continue
		}
		draining = append(draining, h)
	}
	t := d.drainRequested(draining)
	c.set(t)

	// terminating_old
	res.Drain = c.awaitDrained(ctx, t.Draining)
	if ctx.Err() != nil {
		res.Err = ErrRestartAborted
	}
	c.set(t.finished())

	c.stats.SetGauge(stats.GaugeEpoch, int64(t.To))
	if res.Err == nil {
		c.stats.IncrementCounter(stats.RestartSuccess)
		if res.Drain != nil {
			c.stats.IncrementCounter(stats.RestartDegraded)
		}
	}
	return
}

// spawn starts the new epoch concurrently. On error the workers which did
// start are returned for rollback.
func (c *Coordinator) spawn(ctx context.Context, s SpawningNew) ([]*worker.Handle, error) {
	hs := make([]*worker.Handle, s.Target)
	g, gctx := errgroup.WithContext(ctx)
	for i := range hs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h, err := c.pool.Spawn(gctx, s.To)
			hs[i] = h
			return err
		})
	}
	err := g.Wait()
	started := hs[:0]
	for _, h := range hs {
		if h != nil {
			started = append(started, h)
		}
	}
	return started, err
}

// waitReady is all-or-nothing: the first failure cancels the wait for the rest.
func (c *Coordinator) waitReady(ctx context.Context, pending []*worker.Handle) error {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReadyTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(rctx)
	for _, h := range pending {
		h := h
		g.Go(func() error {
			return h.WaitReady(gctx)
		})
	}
	return g.Wait()
}

// rollback terminates the new epoch. When aborted there's no time to
// wait: workers which never became ready have nothing to finish.
func (c *Coordinator) rollback(ctx context.Context, pending []*worker.Handle, idle Idle) {
	timeout := c.cfg.StopTimeout
	if ctx.Err() != nil {
		timeout = 0
	}
	c.stopAll(pending, timeout)
	c.stats.IncrementCounter(stats.RestartRollback)
	logger.WARN("Rolled back restart", "epoch", idle.Current, "terminated", len(pending))
	c.set(idle)
}

// stopAll terminates workers in parallel and retires them.
func (c *Coordinator) stopAll(hs []*worker.Handle, timeout time.Duration) {
	var g errgroup.Group
	for _, h := range hs {
		h := h
		g.Go(func() error {
			h.Terminate(timeout)
			c.pool.Retire(h)
			return nil
		})
	}
	g.Wait()
}

// awaitDrained gives each draining worker DrainTimeout to exit before it's
// terminated. Workers still draining when ctx is canceled are left alone.
func (c *Coordinator) awaitDrained(ctx context.Context, draining []*worker.Handle) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, h := range draining {
		h := h
		g.Go(func() error {
			if h.WaitStopped(dctx) {
				c.pool.Retire(h)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			h.Terminate(c.cfg.StopTimeout)
			c.pool.Retire(h)
			mu.Lock()
			errs = multierr.Append(errs, fmt.Errorf("worker %s: %w", h.ID(), ErrDrainTimeout))
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return errs
}
