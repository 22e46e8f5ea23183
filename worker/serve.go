package worker

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"
)

// ServeOption configures ServeStream.
type ServeOption func(*streamServer)

// MaxConns limits the number of concurrent connections per listener.
func MaxConns(n int) ServeOption {
	return func(s *streamServer) { s.maxConns = n }
}

// IdleTimeout closes connections without any successful read or write
// for about d.
func IdleTimeout(d time.Duration) ServeOption {
	return func(s *streamServer) { s.idle = d }
}

// ConnHandler serves one connection. ctx is canceled when the worker is
// told to stop, not when it's draining.
type ConnHandler func(ctx context.Context, c net.Conn)

type streamServer struct {
	rt       *Runtime
	handler  ConnHandler
	maxConns int
	idle     time.Duration

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// ServeStream accepts on all stream listeners of the Runtime, reports ready
// and serves connections with handler until drained or stopped.
// Draining stops accepting and waits for open connections to finish.
// Stopping also closes open connections.
func ServeStream(rt *Runtime, handler ConnHandler, opts ...ServeOption) error {
	s := &streamServer{rt: rt, handler: handler, conns: make(map[net.Conn]struct{})}
	for _, o := range opts {
		o(s)
	}

	lns := append([]net.Listener(nil), rt.Listeners()...)
	errc := make(chan error, len(lns))
	served := make(chan struct{})
	defer close(served)
	var accepting sync.WaitGroup
	for i, l := range lns {
		if s.maxConns > 0 {
			l = netutil.LimitListener(l, s.maxConns)
		}
		if s.idle > 0 {
			l = newIdleListener(l, s.idle, served)
		}
		lns[i] = l
		accepting.Add(1)
		go func(l net.Listener) {
			defer accepting.Done()
			errc <- s.accept(l)
		}(l)
	}
	rt.Ready()

	var err error
	select {
	case <-rt.Draining():
		rt.log.INFO("Draining")
	case <-rt.Context().Done():
	case err = <-errc:
		if err != nil {
			rt.log.ERROR("Accept failed", "err", err)
		}
	}
	for _, l := range lns {
		l.Close()
	}
	accepting.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-rt.Context().Done():
		s.closeConns()
		<-done
	}
	return err
}

func (s *streamServer) accept(l net.Listener) error {
	for {
		c, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.track(c, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(c, false)
			defer c.Close()
			s.handler(s.rt.Context(), c)
		}()
	}
}

func (s *streamServer) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *streamServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}
