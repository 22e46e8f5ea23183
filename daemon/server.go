package daemon

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"

	"github.com/ieure/tillicum/daemon/ctrl"
)

// Server is the interface of auxiliary servers Run() will manage next to the
// Supervisor. They are single-use with a lifetime:
// Listen, Serve, Shutdown, - and possibly Close() if Shutdown exits non-nil
type Server interface {
	// Serve will start serving until the context is canceled at which
	// point it will stop generating new activity and exit.
	Serve(context.Context) error
}

// ListeningServer is a Server which wishes to have its Listen() method called before Serve()
type ListeningServer interface {
	Server
	// Listen is called before Serve() to allow the server to fail early.
	Listen() error
}

// LingeringServer is a Server which potentially has background activity even after Serve() has exited.
type LingeringServer interface {
	Server
	// Shutdown will wait for all activity to stop until the context
	// is canceled at which point it will exit with an error if activity has
	// not stopped.
	Shutdown(context.Context) error
	// Close() will force all activity to stop.
	Close() error
}

// descriptor - A Server implementing the descriptor interface will use that description in any logging
type descriptor interface {
	Description() string
}

func describe(s Server) string {
	if ds, ok := s.(descriptor); ok {
		return ds.Description()
	}
	return "server"
}

type serverEnsemble struct {
	servers []Server
}

// Listen lets each server Listen. On failure the servers already listening
// are closed.
func (se serverEnsemble) Listen() (err error) {
	var done []Server
	for _, s := range se.servers {
		ls, ok := s.(ListeningServer)
		if !ok {
			continue
		}
		if err = ls.Listen(); err != nil {
			for _, d := range done {
				if lng, ok := d.(LingeringServer); ok {
					lng.Close()
				}
			}
			return
		}
		done = append(done, s)
	}
	return
}

// Serve runs all servers until they exit, returning all errors.
func (se serverEnsemble) Serve(ctx context.Context) error {
	return se.each(actionServe, ctx, false)
}

// Shutdown lingering servers in reverse order.
func (se serverEnsemble) Shutdown(ctx context.Context) error {
	return se.each(actionShutdown, ctx, true)
}

// Close lingering servers in reverse order.
func (se serverEnsemble) Close() error {
	return se.each(actionClose, nil, true)
}

const (
	actionServe    = "Serve"
	actionShutdown = "Shutdown"
	actionClose    = "Close"
)

func (se serverEnsemble) each(action string, ctx context.Context, reverse bool) error {
	var (
		wg    sync.WaitGroup
		errmu sync.Mutex
		errs  error
	)
	n := len(se.servers)
	for i := range se.servers {
		s := se.servers[i]
		if reverse {
			s = se.servers[n-i-1]
		}
		if action != actionServe {
			if _, ok := s.(LingeringServer); !ok {
				continue
			}
		}
		wg.Add(1)
		go func(s Server) {
			defer wg.Done()
			if err := controlServer(action, ctx, s); err != nil {
				errmu.Lock()
				errs = multierr.Append(errs, err)
				errmu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errs
}

// controlServer performs action on one server and logs the outcome.
func controlServer(action string, ctx context.Context, s Server) (err error) {
	description := describe(s)
	logger.INFO(action, "server", description)

	switch action {
	case actionServe:
		err = s.Serve(ctx)
	case actionShutdown:
		err = s.(LingeringServer).Shutdown(ctx)
	case actionClose:
		err = s.(LingeringServer).Close()
	}
	if err != nil {
		logger.ERROR(action+" failed", "server", description, "err", err)
		return err
	}
	logger.INFO(action+" exited", "server", description)
	return nil
}

// ctrlServer runs a control socket as a ListeningServer.
type ctrlServer struct {
	*ctrl.Server
}

func (c ctrlServer) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Server.Shutdown()
		case <-stop:
		}
	}()
	err := c.Server.Serve()
	if errors.Is(err, ctrl.ErrServerClosed) {
		return nil
	}
	return err
}
