// Package supervisor runs a pool of workers on a shared set of listeners.
//
// A single control go-routine owns the pool. It serializes restarts, scaling,
// health verdicts and worker exits. Reload, Scale and Shutdown are safe to
// call from anywhere.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ieure/tillicum/health"
	"github.com/ieure/tillicum/listeners"
	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/restart"
	"github.com/ieure/tillicum/stats"
	"github.com/ieure/tillicum/worker"
)

var (
	// ErrScaleOutOfBounds is returned when scaling outside [min, max].
	ErrScaleOutOfBounds = errors.New("worker count out of bounds")
	// ErrShutdown is returned for requests after Shutdown.
	ErrShutdown = errors.New("supervisor is shutting down")
	// ErrNotStarted is returned for requests before Start.
	ErrNotStarted = errors.New("supervisor not started")
	// ErrRestartInProgress is returned for a reload or scale during a restart.
	ErrRestartInProgress = restart.ErrRestartInProgress
)

// replenishBackoff is the pause before retrying a failed replacement.
const replenishBackoff = time.Second

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithStats sets where to report counters and gauges.
func WithStats(st stats.Sink) Option {
	return func(s *Supervisor) { s.stats = st }
}

// WithReadyCallback sets a function called with the epoch whenever a
// complete epoch is ready: after Start and after each successful restart.
func WithReadyCallback(fn func(epoch uint64)) Option {
	return func(s *Supervisor) { s.onReady = fn }
}

// Supervisor owns the listeners and the worker pool.
type Supervisor struct {
	cfg     Config
	backend worker.Backend
	log     *log.Logger
	stats   stats.Sink
	onReady func(epoch uint64)

	set     *listeners.Set
	coord   *restart.Coordinator
	monitor *health.Monitor
	started time.Time

	mu      sync.RWMutex
	workers map[string]*worker.Handle
	current uint64
	target  int
	last    *restart.Result

	life    context.Context
	cancel  context.CancelFunc
	cmds    chan func()
	exits   chan *worker.Handle
	overdue chan *worker.Handle

	running   int32
	stopOnce  sync.Once
	stopping  chan struct{}
	stopAfter time.Duration
	done      chan struct{}
	err       error
}

// New validates the configuration and the backend.
func New(cfg Config, backend worker.Backend, opts ...Option) (*Supervisor, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.New("no worker backend")
	}
	if err := backend.Validate(); err != nil {
		return nil, fmt.Errorf("worker backend: %w", err)
	}

	s := &Supervisor{
		cfg:      cfg,
		backend:  backend,
		log:      log.GetLogger("tillicum/supervisor"),
		stats:    stats.Nop,
		workers:  make(map[string]*worker.Handle),
		target:   cfg.Workers,
		cmds:     make(chan func()),
		exits:    make(chan *worker.Handle),
		overdue:  make(chan *worker.Handle),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.stats == nil {
		s.stats = stats.Nop
	}
	s.life, s.cancel = context.WithCancel(context.Background())
	s.coord = restart.New(cfg.restartConfig(), (*pool)(s), s.stats, 0)
	s.monitor = health.New(cfg.Health, s.live, s.stats)
	return s, nil
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Start binds the listeners and starts epoch 0. Any failure is fatal:
// everything is released and the error returned.
func (s *Supervisor) Start(ctx context.Context) error {
	select {
	case <-s.stopping:
		return ErrShutdown
	default:
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return errors.New("supervisor already started")
	}
	set, err := listeners.Bind(s.cfg.Listeners)
	if err != nil {
		s.abort(err)
		return err
	}
	s.mu.Lock()
	s.set = set
	s.started = time.Now()
	s.mu.Unlock()

	sctx, stop := context.WithCancel(ctx)
	defer stop()
	cancelOnShutdown := context.AfterFunc(s.life, stop)
	defer cancelOnShutdown()
	if _, err := s.spawnReady(sctx, 0, s.cfg.Workers); err != nil {
		set.Close()
		s.abort(err)
		return err
	}
	s.log.NOTICE("Started", "workers", s.cfg.Workers, "listeners", len(s.cfg.Listeners))

	go s.monitor.Run(s.life)
	go s.loop()
	s.ready(0)
	return nil
}

func (s *Supervisor) abort(err error) {
	s.err = err
	s.stopOnce.Do(func() { close(s.stopping) })
	s.cancel()
	close(s.done)
}

// Reload replaces all workers with a new epoch and waits for the outcome.
// A concurrent reload is rejected with ErrRestartInProgress right away.
// If ctx expires the restart carries on.
func (s *Supervisor) Reload(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	sn, err := s.coord.Begin()
	if err != nil {
		s.log.WARN("Reload rejected", "err", err)
		return err
	}
	reply := make(chan restart.Result, 1)
	if err := s.exec(ctx, func() { reply <- s.restart(sn) }); err != nil {
		s.coord.Cancel(sn)
		return err
	}
	select {
	case res := <-reply:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scale sets the number of workers of the current epoch.
// Scaling down drains the newest workers.
func (s *Supervisor) Scale(ctx context.Context, n int) error {
	if n < s.cfg.MinWorkers || n > s.cfg.MaxWorkers {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrScaleOutOfBounds, n, s.cfg.MinWorkers, s.cfg.MaxWorkers)
	}
	if err := s.check(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := s.exec(ctx, func() { reply <- s.scale(n) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains all workers of all epochs, preempting a restart in flight.
// Workers not gone within timeout are killed. The listeners are closed last.
// Shutdown can be called any number of times, only the first timeout counts.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.stopOnce.Do(func() {
		s.stopAfter = timeout
		close(s.stopping)
		s.cancel()
		if atomic.LoadInt32(&s.running) == 0 {
			close(s.done)
		}
	})
	<-s.done
	return s.err
}

// Done is closed when the supervisor has stopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Wait waits for the supervisor to stop.
func (s *Supervisor) Wait() error {
	<-s.done
	return s.err
}

func (s *Supervisor) check() error {
	select {
	case <-s.stopping:
		return ErrShutdown
	default:
	}
	if atomic.LoadInt32(&s.running) == 0 {
		return ErrNotStarted
	}
	return nil
}

// exec hands fn to the control go-routine.
func (s *Supervisor) exec(ctx context.Context, fn func()) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-s.stopping:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) loop() {
	var retry <-chan time.Time
	for {
		select {
		case <-s.stopping:
			s.finish(s.shutdown())
			return
		default:
		}
		select {
		case <-s.stopping:
		case fn := <-s.cmds:
			fn()
		case v := <-s.monitor.Verdicts():
			if s.crashed(v.Handle) {
				retry = s.replenish()
			}
		case h := <-s.exits:
			if s.reap(h) {
				retry = s.replenish()
			}
		case h := <-s.overdue:
			s.terminateOverdue(h)
		case <-retry:
			retry = s.replenish()
		}
	}
}

func (s *Supervisor) finish(err error) {
	s.err = err
	s.cancel()
	if err != nil {
		s.log.ERROR("Stopped", "err", err)
	} else {
		s.log.NOTICE("Stopped")
	}
	close(s.done)
}

func (s *Supervisor) ready(epoch uint64) {
	s.stats.SetGauge(stats.GaugeEpoch, int64(epoch))
	if s.onReady != nil {
		s.onReady(epoch)
	}
}

// restart runs in the control go-routine.
func (s *Supervisor) restart(sn restart.SpawningNew) restart.Result {
	s.settle()
	s.mu.RLock()
	target := s.target
	s.mu.RUnlock()
	old := s.serving()

	res := s.coord.Run(s.life, sn, old, target)

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
	s.gauges()
	if res.Err == nil {
		s.ready(res.To)
	}
	return res
}

// settle waits for the workers of epochs before the current one, left
// draining by a scale down or an aborted drain. Those not gone within
// DrainTimeout are terminated. Only then may a new epoch start.
func (s *Supervisor) settle() {
	s.mu.RLock()
	epoch := s.current
	s.mu.RUnlock()
	var stale []*worker.Handle
	for _, h := range s.live() {
		if h.Epoch() != epoch {
			stale = append(stale, h)
		}
	}
	if len(stale) == 0 {
		return
	}
	s.log.INFO("Waiting for workers of older epochs", "workers", len(stale), "epoch", epoch)
	ctx, cancel := context.WithTimeout(s.life, s.cfg.DrainTimeout)
	defer cancel()
	var g errgroup.Group
	for _, h := range stale {
		h := h
		g.Go(func() error {
			if !h.WaitStopped(ctx) {
				if s.life.Err() != nil {
					return nil
				}
				if h.Terminate(s.cfg.StopTimeout) == worker.Crashed {
					s.log.WARN("Killed worker of older epoch", "id", h.ID(), "epoch", h.Epoch(), "err", restart.ErrDrainTimeout)
				}
			}
			s.retire(h)
			return nil
		})
	}
	g.Wait()
	s.gauges()
}

// scale runs in the control go-routine.
func (s *Supervisor) scale(n int) error {
	if s.coord.InProgress() {
		return ErrRestartInProgress
	}
	s.mu.RLock()
	epoch := s.current
	s.mu.RUnlock()
	cur := s.serving()

	switch {
	case n > len(cur):
		if _, err := s.spawnReady(s.life, epoch, n-len(cur)); err != nil {
			return err
		}
	case n < len(cur):
		for _, h := range cur[n:] {
			if err := h.RequestDrain(); err != nil {
				s.log.WARN("Drain failed", "id", h.ID(), "err", err)
				continue
			}
			s.drainDeadline(h)
		}
	}
	s.mu.Lock()
	s.target = n
	s.mu.Unlock()
	s.gauges()
	s.log.INFO("Scaled", "workers", n, "was", len(cur))
	return nil
}

func (s *Supervisor) drainDeadline(h *worker.Handle) {
	time.AfterFunc(s.cfg.DrainTimeout, func() {
		select {
		case <-h.Exited():
		case s.overdue <- h:
		case <-s.done:
		}
	})
}

func (s *Supervisor) terminateOverdue(h *worker.Handle) {
	if !s.registered(h) {
		return
	}
	if h.Terminate(s.cfg.StopTimeout) == worker.Crashed {
		s.log.WARN("Killed worker after drain timeout", "id", h.ID(), "err", restart.ErrDrainTimeout)
	}
	s.retire(h)
}

// crashed handles a health verdict.
func (s *Supervisor) crashed(h *worker.Handle) bool {
	if !s.registered(h) {
		return false
	}
	h.MarkCrashed()
	s.retire(h)
	return true
}

// reap handles a worker exit. Exits of workers already retired are ignored.
func (s *Supervisor) reap(h *worker.Handle) bool {
	if !s.registered(h) {
		return false
	}
	st, ok := h.Reap()
	if !ok {
		return false
	}
	if st == worker.Crashed {
		s.log.WARN("Worker exited unexpectedly", "id", h.ID(), "epoch", h.Epoch(), "err", h.Err())
	}
	s.retire(h)
	return true
}

// replenish spawns replacements if fewer than MinWorkers are ready.
// On failure it returns when to try again.
func (s *Supervisor) replenish() <-chan time.Time {
	if s.coord.InProgress() {
		return nil
	}
	ready := s.countReady()
	missing := s.cfg.MinWorkers - ready
	if missing <= 0 {
		return nil
	}
	s.mu.RLock()
	epoch := s.current
	s.mu.RUnlock()
	s.log.WARN("Below minimum workers. Replacing", "ready", ready, "min", s.cfg.MinWorkers)
	if _, err := s.spawnReady(s.life, epoch, missing); err != nil {
		if s.life.Err() != nil {
			return nil
		}
		s.log.ERROR("Replacement failed", "err", err, "retry", replenishBackoff)
		return time.After(replenishBackoff)
	}
	return nil
}

// shutdown runs in the control go-routine.
func (s *Supervisor) shutdown() error {
	timeout := s.stopAfter
	deadline := time.Now().Add(timeout)
	hs := s.live()
	s.log.NOTICE("Shutting down", "workers", len(hs), "timeout", timeout)

	dctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	var g errgroup.Group
	for _, h := range hs {
		h := h
		g.Go(func() error {
			switch h.State() {
			case worker.Ready:
				if err := h.RequestDrain(); err != nil {
					s.log.DEBUG("Drain failed", "id", h.ID(), "err", err)
				}
				fallthrough
			case worker.Draining:
				if !h.WaitStopped(dctx) {
					h.Terminate(0)
				}
			default:
				h.Terminate(time.Until(deadline))
			}
			s.retire(h)
			return nil
		})
	}
	g.Wait()
	s.gauges()
	return s.set.Close()
}

// spawnReady starts n workers in epoch and waits for all of them to be
// ready. If any fails all are terminated.
func (s *Supervisor) spawnReady(ctx context.Context, epoch uint64, n int) ([]*worker.Handle, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()
	hs := make([]*worker.Handle, n)
	g, gctx := errgroup.WithContext(rctx)
	for i := range hs {
		i := i
		g.Go(func() error {
			h, err := s.spawn(gctx, epoch)
			if err != nil {
				return err
			}
			hs[i] = h
			return h.WaitReady(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		s.discard(hs)
		return nil, err
	}
	s.gauges()
	return hs, nil
}

func (s *Supervisor) discard(hs []*worker.Handle) {
	var g errgroup.Group
	for _, h := range hs {
		if h == nil {
			continue
		}
		h := h
		g.Go(func() error {
			h.Terminate(s.cfg.StopTimeout)
			s.retire(h)
			return nil
		})
	}
	g.Wait()
}

// spawn starts and registers one worker.
func (s *Supervisor) spawn(ctx context.Context, epoch uint64) (*worker.Handle, error) {
	h, err := worker.Spawn(ctx, s.backend, s.set, epoch, worker.Options{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		KillGrace:         s.cfg.KillGrace,
		Stats:             s.stats,
	})
	if err != nil {
		s.log.ERROR("Spawn failed", "epoch", epoch, "err", err)
		return nil, err
	}
	s.mu.Lock()
	s.workers[h.ID()] = h
	s.mu.Unlock()
	go s.watch(h)
	s.gauges()
	return h, nil
}

func (s *Supervisor) watch(h *worker.Handle) {
	select {
	case <-h.Exited():
		select {
		case s.exits <- h:
		case <-s.done:
		}
	case <-s.done:
	}
}

func (s *Supervisor) registered(h *worker.Handle) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workers[h.ID()]
	return ok
}

func (s *Supervisor) retire(h *worker.Handle) {
	s.mu.Lock()
	delete(s.workers, h.ID())
	s.mu.Unlock()
	s.gauges()
}

// live returns all registered workers, oldest first.
func (s *Supervisor) live() []*worker.Handle {
	s.mu.RLock()
	hs := make([]*worker.Handle, 0, len(s.workers))
	for _, h := range s.workers {
		hs = append(hs, h)
	}
	s.mu.RUnlock()
	sort.Slice(hs, func(i, j int) bool {
		return hs[i].Started().Before(hs[j].Started())
	})
	return hs
}

// serving returns the ready workers of the current epoch, oldest first.
func (s *Supervisor) serving() []*worker.Handle {
	s.mu.RLock()
	epoch := s.current
	s.mu.RUnlock()
	var hs []*worker.Handle
	for _, h := range s.live() {
		if h.Epoch() == epoch && h.State() == worker.Ready {
			hs = append(hs, h)
		}
	}
	return hs
}

func (s *Supervisor) countReady() int {
	n := 0
	for _, h := range s.live() {
		if h.State() == worker.Ready {
			n++
		}
	}
	return n
}

func (s *Supervisor) gauges() {
	hs := s.live()
	ready := 0
	for _, h := range hs {
		if h.State() == worker.Ready {
			ready++
		}
	}
	s.stats.SetGauge(stats.GaugeReady, int64(ready))
	s.stats.SetGauge(stats.GaugeTotal, int64(len(hs)))
}
