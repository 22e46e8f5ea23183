package restart

import "github.com/ieure/tillicum/worker"

// Phase is the state of the restart state machine:
//
//	Idle -> SpawningNew -> WaitingReady -> DrainingOld -> TerminatingOld -> Idle
//
// SpawningNew and WaitingReady can also roll back to Idle. Each phase only
// has the transitions leaving it, so an illegal transition doesn't compile.
type Phase interface {
	// Name as shown in status output.
	Name() string
	// Epoch the phase is about. For Idle the current epoch, otherwise the new one.
	Epoch() uint64
}

// Idle means no restart is in flight.
type Idle struct {
	Current uint64
}

// SpawningNew is starting a replacement pool.
type SpawningNew struct {
	From   uint64
	To     uint64
	Target int
	Old    []*worker.Handle
}

// WaitingReady holds the spawned workers not yet known to be ready.
type WaitingReady struct {
	From    uint64
	To      uint64
	Old     []*worker.Handle
	Pending []*worker.Handle
}

// DrainingOld has a fully ready new epoch and tells the old one to drain.
type DrainingOld struct {
	From uint64
	To   uint64
	Old  []*worker.Handle
	New  []*worker.Handle
}

// TerminatingOld waits for the draining workers to exit.
type TerminatingOld struct {
	From     uint64
	To       uint64
	Draining []*worker.Handle
	New      []*worker.Handle
}

func (Idle) Name() string           { return "idle" }
func (SpawningNew) Name() string    { return "spawning_new" }
func (WaitingReady) Name() string   { return "waiting_ready" }
func (DrainingOld) Name() string    { return "draining_old" }
func (TerminatingOld) Name() string { return "terminating_old" }

func (p Idle) Epoch() uint64           { return p.Current }
func (p SpawningNew) Epoch() uint64    { return p.To }
func (p WaitingReady) Epoch() uint64   { return p.To }
func (p DrainingOld) Epoch() uint64    { return p.To }
func (p TerminatingOld) Epoch() uint64 { return p.To }

func (p Idle) begin(to uint64) SpawningNew {
	return SpawningNew{From: p.Current, To: to}
}

func (p SpawningNew) with(old []*worker.Handle, target int) SpawningNew {
	p.Old = old
	p.Target = target
	return p
}

func (p SpawningNew) spawned(pending []*worker.Handle) WaitingReady {
	return WaitingReady{From: p.From, To: p.To, Old: p.Old, Pending: pending}
}

func (p SpawningNew) rollback() Idle {
	return Idle{Current: p.From}
}

func (p WaitingReady) ready() DrainingOld {
	return DrainingOld{From: p.From, To: p.To, Old: p.Old, New: p.Pending}
}

func (p WaitingReady) rollback() Idle {
	return Idle{Current: p.From}
}

func (p DrainingOld) drainRequested(draining []*worker.Handle) TerminatingOld {
	return TerminatingOld{From: p.From, To: p.To, Draining: draining, New: p.New}
}

func (p TerminatingOld) finished() Idle {
	return Idle{Current: p.To}
}
