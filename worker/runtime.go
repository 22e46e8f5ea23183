package worker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ieure/tillicum/listeners"
	"github.com/ieure/tillicum/log"
)

// DefaultHeartbeatInterval is used when the supervisor doesn't tell.
const DefaultHeartbeatInterval = time.Second

// Service is the code run by a worker.
// Serve must call Runtime.Ready once it accepts connections, and return when
// Runtime.Draining is closed and open connections are done, or when the
// Runtime context is canceled.
type Service interface {
	Serve(rt *Runtime) error
}

// ServiceFunc adapts a function to a Service.
type ServiceFunc func(rt *Runtime) error

func (f ServiceFunc) Serve(rt *Runtime) error {
	return f(rt)
}

// Runtime is the worker side of the protocol.
type Runtime struct {
	id        string
	epoch     uint64
	im        *listeners.Imported
	send      func(Message) error
	drain     <-chan struct{}
	ctx       context.Context
	heartbeat time.Duration
	log       *log.Logger

	readyOnce sync.Once
}

func newRuntime(ctx context.Context, id string, epoch uint64, im *listeners.Imported, send func(Message) error, drain <-chan struct{}, heartbeat time.Duration) *Runtime {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Runtime{
		id:        id,
		epoch:     epoch,
		im:        im,
		send:      send,
		drain:     drain,
		ctx:       ctx,
		heartbeat: heartbeat,
		log:       log.GetLogger("tillicum/worker").With("id", id, "epoch", epoch),
	}
}

func (rt *Runtime) ID() string                    { return rt.id }
func (rt *Runtime) Epoch() uint64                 { return rt.epoch }
func (rt *Runtime) Listeners() []net.Listener     { return rt.im.Listeners }
func (rt *Runtime) PacketConns() []net.PacketConn { return rt.im.PacketConns }
func (rt *Runtime) Logger() *log.Logger           { return rt.log }

// Listener returns the named listener or nil.
func (rt *Runtime) Listener(name string) net.Listener { return rt.im.Listener(name) }

// PacketConn returns the named datagram socket or nil.
func (rt *Runtime) PacketConn(name string) net.PacketConn { return rt.im.PacketConn(name) }

// Context is canceled when the supervisor says stop or goes away.
func (rt *Runtime) Context() context.Context { return rt.ctx }

// Draining is closed when the worker should stop accepting.
func (rt *Runtime) Draining() <-chan struct{} { return rt.drain }

// Ready tells the supervisor the worker accepts connections and starts
// sending heartbeats. Only the first call has any effect.
func (rt *Runtime) Ready() {
	rt.readyOnce.Do(func() {
		if err := rt.send(Message{Type: MsgReady}); err != nil {
			rt.log.ERROR("Failed to report ready", "err", err)
			return
		}
		rt.log.DEBUG("Reported ready")
		go rt.beat()
	})
}

// Heartbeat sends a heartbeat now.
func (rt *Runtime) Heartbeat() error {
	return rt.send(Message{Type: MsgHeartbeat})
}

func (rt *Runtime) beat() {
	t := time.NewTicker(rt.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := rt.Heartbeat(); err != nil {
				rt.log.DEBUG("Heartbeat failed", "err", err)
				return
			}
		case <-rt.ctx.Done():
			return
		}
	}
}
