package supervisor

import (
	"context"

	"github.com/ieure/tillicum/restart"
	"github.com/ieure/tillicum/worker"
)

// pool is the Supervisor as seen by the restart coordinator.
type pool Supervisor

func (p *pool) Spawn(ctx context.Context, epoch uint64) (*worker.Handle, error) {
	return (*Supervisor)(p).spawn(ctx, epoch)
}

func (p *pool) Promote(epoch uint64) {
	s := (*Supervisor)(p)
	s.mu.Lock()
	s.current = epoch
	s.mu.Unlock()
}

func (p *pool) Retire(h *worker.Handle) {
	(*Supervisor)(p).retire(h)
}

func (p *pool) PhaseChanged(ph restart.Phase) {
	s := (*Supervisor)(p)
	s.gauges()
	s.log.DEBUG("Restart phase", "phase", ph.Name(), "epoch", ph.Epoch())
}
