package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ieure/tillicum/listeners"
)

var errKilled = errors.New("killed")

// Goroutines is a Backend running each worker as a go-routine
// executing Service. Each worker gets its own duplicates of the listeners.
type Goroutines struct {
	Service Service
}

func (g *Goroutines) Validate() error {
	if g.Service == nil {
		return ErrNoService
	}
	return nil
}

func (g *Goroutines) Start(ctx context.Context, spec Spec) (Process, error) {
	if err := g.Validate(); err != nil {
		listeners.CloseAll(spec.Listeners)
		return nil, err
	}
	im, err := listeners.Import(spec.Listeners)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.Background())
	p := &goroutineProc{
		msgs:   make(chan Message, 64),
		done:   make(chan struct{}),
		drain:  make(chan struct{}),
		cancel: cancel,
		im:     im,
	}
	rt := newRuntime(wctx, spec.ID, spec.Epoch, im, p.deliver, p.drain, spec.HeartbeatInterval)

	go func() {
		err := serve(g.Service, rt)
		im.Close()
		cancel()
		p.exit(err)
	}()
	return p, nil
}

func serve(svc Service, rt *Runtime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service panic: %v", r)
		}
	}()
	return svc.Serve(rt)
}

type goroutineProc struct {
	msgs   chan Message
	done   chan struct{}
	drain  chan struct{}
	cancel context.CancelFunc
	im     *listeners.Imported

	mu        sync.Mutex
	err       error
	exited    bool
	drainOnce sync.Once
}

// deliver never blocks. A full queue only happens with a stuck supervisor,
// and then dropping heartbeats is what should happen.
func (p *goroutineProc) deliver(m Message) error {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	select {
	case <-p.done:
		return errKilled
	default:
	}
	select {
	case p.msgs <- m:
	default:
	}
	return nil
}

func (p *goroutineProc) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.err = err
	close(p.done)
}

func (p *goroutineProc) Pid() int                 { return 0 }
func (p *goroutineProc) Messages() <-chan Message { return p.msgs }
func (p *goroutineProc) Done() <-chan struct{}    { return p.done }

func (p *goroutineProc) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *goroutineProc) Drain() error {
	p.drainOnce.Do(func() { close(p.drain) })
	return nil
}

func (p *goroutineProc) Stop() error {
	p.Drain()
	p.cancel()
	return nil
}

// Kill can't stop a go-routine. It cancels the context, closes the
// listeners under it and abandons it.
func (p *goroutineProc) Kill() error {
	p.Stop()
	p.im.Close()
	p.exit(errKilled)
	return nil
}
