// Package admin serves the supervisor's HTTP admin interface: status,
// reload, scale, shutdown and prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/sd"
)

var logger = log.GetLogger("tillicum/admin")

// Server is an HTTP server for the admin interface, usable as a daemon Server.
type Server struct {
	*http.Server

	// ListenerFdName can be set to pick a named file descriptor as
	// Listener via LISTEN_FDNAMES.
	ListenerFdName string

	// AccessLog is the handler wrapping the routes. Its access log can be
	// toggled at runtime.
	AccessLog DynamicLogHandler

	listener net.Listener
}

// New returns a Server for addr controlling c. Metrics are gathered from g,
// and /metrics is not served if g is nil.
func New(addr string, c Controller, g prometheus.Gatherer) *Server {
	h := NewDynamicLogHandler(NewHandler(c, g), audit)
	return &Server{
		Server: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		AccessLog: h,
	}
}

func audit(req *http.Request, rec RecordingResponseWriter, elapsed time.Duration) {
	if f, ok := logger.DEBUGok(); ok {
		f("Admin request", "method", req.Method, "path", req.URL.Path, "status", rec.Status(), "size", rec.Size(), "elapsed", elapsed)
	}
}

// Listen picks an already open listener FD or creates one.
func (s *Server) Listen() (err error) {
	var addr *net.TCPAddr
	if s.Addr != "" {
		addr, err = net.ResolveTCPAddr("tcp", s.Addr)
		if err != nil {
			return
		}
	}

	var ln net.Listener
	if s.ListenerFdName != "" || (addr != nil && addr.Port != 0) {
		ln, s.ListenerFdName, err = sd.InheritListener(s.ListenerFdName, sd.IsTCPListener(addr))
		if err != nil {
			return
		}
	}
	if ln == nil {
		if addr == nil {
			return errors.New("admin: no address and no inherited socket")
		}
		ln, err = net.ListenTCP("tcp", addr)
		if err != nil {
			return
		}
	}
	s.listener = ln
	return nil
}

// ListenAddr is the address of the listener, once listening.
func (s *Server) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve until ctx is canceled. Open requests are left to Shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("admin: Serve called before Listen")
	}
	exit := make(chan struct{})
	defer close(exit)
	go func() {
		select {
		case <-ctx.Done():
			// Stops accepting, which makes Serve below return. Requests in
			// flight go on until Shutdown.
			s.listener.Close()
		case <-exit:
		}
	}()
	err := s.Server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Description implements a default textual description of the Server.
func (s *Server) Description() string {
	if s.listener != nil {
		return fmt.Sprintf("admin HTTP %s", s.listener.Addr())
	}
	return fmt.Sprintf("admin HTTP %s", s.Addr)
}
