package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ieure/tillicum/listeners"
	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/stats"
)

// DefaultKillGrace is how long to wait for a killed worker to exit.
const DefaultKillGrace = 2 * time.Second

var logger = log.GetLogger("tillicum/worker")

// Options for Spawn.
type Options struct {
	HeartbeatInterval time.Duration
	KillGrace         time.Duration
	Stats             stats.Sink
}

// Handle is the supervisor's view of one worker.
// Lifecycle transitions are made by the supervisor control go-routine. The
// only thing the worker side touches is the heartbeat timestamp and the
// ready notification, both through the message channel.
type Handle struct {
	id      string
	epoch   uint64
	started time.Time

	proc Process
	set  *listeners.Set

	state    int32 // State
	lastBeat int64 // unix nano, 0 for none

	ready       chan struct{}
	readyOnce   sync.Once
	releaseOnce sync.Once

	killGrace time.Duration
	stats     stats.Sink
	log       *log.Logger
}

// Spawn starts a worker in epoch on the listeners of set. The handle is
// in state Starting until WaitReady sees the ready notification.
func Spawn(ctx context.Context, backend Backend, set *listeners.Set, epoch uint64, opts Options) (*Handle, error) {
	id := uuid.NewString()
	st := opts.Stats
	if st == nil {
		st = stats.Nop
	}
	fail := func(err error) (*Handle, error) {
		st.IncrementCounter(stats.SpawnFailed)
		return nil, &SpawnError{ID: id, Epoch: epoch, Err: err}
	}

	if err := set.Acquire(); err != nil {
		return fail(err)
	}
	ds, err := set.Export()
	if err != nil {
		set.Release()
		return fail(err)
	}
	proc, err := backend.Start(ctx, Spec{
		ID:                id,
		Epoch:             epoch,
		Listeners:         ds,
		HeartbeatInterval: opts.HeartbeatInterval,
	})
	if rerr := set.RestoreNonblock(); rerr != nil {
		logger.WARN("Failed to restore non-blocking listeners", "err", rerr)
	}
	if err != nil {
		set.Release()
		return fail(err)
	}

	h := &Handle{
		id:        id,
		epoch:     epoch,
		started:   time.Now(),
		proc:      proc,
		set:       set,
		state:     int32(Starting),
		ready:     make(chan struct{}),
		killGrace: opts.KillGrace,
		stats:     st,
		log:       logger.With("id", id, "epoch", epoch),
	}
	if h.killGrace <= 0 {
		h.killGrace = DefaultKillGrace
	}
	go h.pump()

	st.IncrementCounter(stats.WorkerSpawned)
	h.log.DEBUG("Spawned worker", "pid", proc.Pid())
	return h, nil
}

// pump turns messages from the worker into the ready notification and
// heartbeat timestamps.
func (h *Handle) pump() {
	for {
		select {
		case m := <-h.proc.Messages():
			switch m.Type {
			case MsgReady:
				h.beat(m.Time)
				h.readyOnce.Do(func() { close(h.ready) })
			case MsgHeartbeat:
				h.beat(m.Time)
			default:
				h.log.WARN("Unexpected message from worker", "type", m.Type)
			}
		case <-h.proc.Done():
			return
		}
	}
}

func (h *Handle) beat(t time.Time) {
	if t.IsZero() {
		t = time.Now()
	}
	atomic.StoreInt64(&h.lastBeat, t.UnixNano())
}

func (h *Handle) ID() string         { return h.id }
func (h *Handle) Epoch() uint64      { return h.epoch }
func (h *Handle) Started() time.Time { return h.started }
func (h *Handle) Pid() int           { return h.proc.Pid() }

func (h *Handle) State() State {
	return State(atomic.LoadInt32(&h.state))
}

func (h *Handle) setState(s State) {
	atomic.StoreInt32(&h.state, int32(s))
}

// Heartbeat returns the time of the latest liveness signal, if any.
func (h *Handle) Heartbeat() (time.Time, bool) {
	n := atomic.LoadInt64(&h.lastBeat)
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// Exited is closed when the worker is gone, for whatever reason.
func (h *Handle) Exited() <-chan struct{} {
	return h.proc.Done()
}

// Err is the exit error of the worker, once it has exited.
func (h *Handle) Err() error {
	return h.proc.Err()
}

// WaitReady waits for the worker's ready notification.
// It returns ErrReadinessTimeout if ctx expires first, and a *SpawnError if
// the worker exits before becoming ready. If ctx is canceled the context
// error is returned. The worker is left running on error.
func (h *Handle) WaitReady(ctx context.Context) error {
	if h.State() != Starting {
		if h.State() == Ready {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotReady, h.State())
	}
	select {
	case <-h.ready:
		return h.markReady()
	default:
	}
	select {
	case <-h.ready:
		return h.markReady()
	case <-h.proc.Done():
		h.finish(Crashed)
		return &SpawnError{ID: h.id, Epoch: h.epoch, Err: fmt.Errorf("exited before ready: %v", h.proc.Err())}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("worker %s: %w", h.id, ErrReadinessTimeout)
		}
		return ctx.Err()
	}
}

func (h *Handle) markReady() error {
	h.setState(Ready)
	h.stats.IncrementCounter(stats.WorkerReady)
	h.log.INFO("Worker ready")
	return nil
}

// RequestDrain tells a ready worker to stop accepting and finish open connections.
func (h *Handle) RequestDrain() error {
	if s := h.State(); s != Ready {
		return fmt.Errorf("%w: %s", ErrNotReady, s)
	}
	if err := h.proc.Drain(); err != nil {
		return err
	}
	h.setState(Draining)
	h.stats.IncrementCounter(stats.WorkerDraining)
	h.log.INFO("Draining worker")
	return nil
}

// WaitStopped waits for the worker to exit by itself. It reports whether it did.
func (h *Handle) WaitStopped(ctx context.Context) bool {
	select {
	case <-h.proc.Done():
		h.finish(Stopped)
		return true
	case <-ctx.Done():
		return false
	}
}

// Terminate asks the worker to stop and kills it if it hasn't exited within
// timeout. A killed worker ends as Crashed. Terminating a gone worker just
// returns its state.
func (h *Handle) Terminate(timeout time.Duration) State {
	if s := h.State(); s.Terminal() {
		return s
	}
	select {
	case <-h.proc.Done():
		return h.finish(Stopped)
	default:
	}
	if err := h.proc.Stop(); err != nil {
		h.log.DEBUG("Stop request failed", "err", err)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.proc.Done():
		return h.finish(Stopped)
	case <-t.C:
	}
	h.log.WARN("Worker did not stop in time. Killing", "timeout", timeout)
	h.kill()
	return h.finish(Crashed)
}

// MarkCrashed kills the worker and marks it Crashed.
func (h *Handle) MarkCrashed() {
	if h.State().Terminal() {
		return
	}
	h.kill()
	h.finish(Crashed)
}

// Reap checks whether the worker exited by itself, and if so moves it to a
// terminal state. A worker which exits while Starting, Ready or Draining
// without being asked is Crashed, unless it was draining.
func (h *Handle) Reap() (State, bool) {
	s := h.State()
	if s.Terminal() {
		return s, true
	}
	select {
	case <-h.proc.Done():
	default:
		return s, false
	}
	if s == Draining && h.proc.Err() == nil {
		return h.finish(Stopped), true
	}
	return h.finish(Crashed), true
}

func (h *Handle) kill() {
	if err := h.proc.Kill(); err != nil {
		h.log.ERROR("Kill failed", "err", err)
	}
	t := time.NewTimer(h.killGrace)
	defer t.Stop()
	select {
	case <-h.proc.Done():
	case <-t.C:
		h.log.ERROR("Killed worker did not exit", "grace", h.killGrace)
	}
}

// finish moves to a terminal state once and drops the listener reference.
func (h *Handle) finish(s State) State {
	for {
		old := State(atomic.LoadInt32(&h.state))
		if old.Terminal() {
			return old
		}
		if atomic.CompareAndSwapInt32(&h.state, int32(old), int32(s)) {
			break
		}
	}
	h.releaseOnce.Do(h.set.Release)
	if s == Crashed {
		h.stats.IncrementCounter(stats.WorkerCrashed)
		h.log.WARN("Worker crashed", "err", h.proc.Err())
	} else {
		h.stats.IncrementCounter(stats.WorkerStopped)
		h.log.INFO("Worker stopped")
	}
	return s
}

func (h *Handle) String() string {
	return fmt.Sprintf("worker %s (epoch %d, %s)", h.id, h.epoch, h.State())
}
