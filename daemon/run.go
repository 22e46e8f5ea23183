package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ieure/tillicum/daemon/ctrl"
	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/sd"
	"github.com/ieure/tillicum/supervisor"
)

// AuxShutdownTimeout bounds the shutdown of auxiliary servers after the workers are gone.
const AuxShutdownTimeout = 5 * time.Second

var logger = log.GetLogger("tillicum/daemon")

type reloadReq struct {
	reply chan error // nil if nobody waits
}

var (
	stopch   chan bool          // true to do graceful shutdown
	tostopch chan time.Duration // stop gracefully with timeout
	reload   chan reloadReq     // restart all workers
)

func init() {
	// 1 to take pending into account
	reload = make(chan reloadReq, 1)
	stopch = make(chan bool, 1)
	tostopch = make(chan time.Duration, 1)
}

type runcfg struct {
	readyCallbacks []func() error
	ctrlSockPath   string
	ctrlSockName   string
	servers        []Server
	sdnotify       bool
	watchdog       bool
	stopTimeout    time.Duration
}

// RunOption change the behaviour of Run()
type RunOption func(*runcfg)

// ControlSocket makes Run() serve a control socket on path, or on the
// inherited socket with the systemd name.
func ControlSocket(name, path string) RunOption {
	return func(rc *runcfg) {
		rc.ctrlSockPath = path
		rc.ctrlSockName = name
	}
}

// Servers adds auxiliary servers to run for the lifetime of Run().
func Servers(s ...Server) RunOption {
	return func(rc *runcfg) {
		rc.servers = append(rc.servers, s...)
	}
}

// ReadyCallback sets a function to be called when the initial workers are ready
func ReadyCallback(f func() error) RunOption {
	return func(rc *runcfg) {
		rc.readyCallbacks = append(rc.readyCallbacks, f)
	}
}

// ShutdownTimeout overrides the drain timeout used by a graceful Exit().
func ShutdownTimeout(d time.Duration) RunOption {
	return func(rc *runcfg) {
		rc.stopTimeout = d
	}
}

// SdNotifyOnReady makes Run() notify systemd with READY=1 when the initial
// workers are ready, and with RELOADING=1 and STOPPING=1 as things happen.
// If mainpid is true, the MAINPID of the current process is also notified.
// Watchdog keep-alives are sent if systemd asks for them.
func SdNotifyOnReady(mainpid bool, status string) RunOption {
	return func(rc *runcfg) {
		rc.sdnotify = true
		rc.watchdog = true
		rc.readyCallbacks = append(rc.readyCallbacks, func() error {
			msg := []string{"READY=1"}
			if mainpid {
				msg = append(msg, fmt.Sprintf("MAINPID=%d", os.Getpid()))
			}
			if status != "" {
				msg = append(msg, "STATUS="+status)
			}
			err := sd.Notify(0, msg...)
			if err == sd.ErrSdNotifyNoSocket {
				logger.WARN("No systemd notify socket")
				return nil
			}
			return err
		})
	}
}

func (rc *runcfg) notify(status int, message string) {
	if !rc.sdnotify {
		return
	}
	if err := sd.NotifyStatus(status, message); err != nil && err != sd.ErrSdNotifyNoSocket {
		logger.WARN("sd_notify failed", "err", err)
	}
}

// Run starts the supervisor and serves until Exit() is called, ctx is done
// or the supervisor dies. Reload() restarts all workers in a new epoch.
// Stop requests are honoured while a reload is in flight; the supervisor
// preempts the restart.
func Run(ctx context.Context, sup *supervisor.Supervisor, opts ...RunOption) (err error) {
	cfg := &runcfg{stopTimeout: sup.Config().ShutdownTimeout}
	for _, o := range opts {
		o(cfg)
	}

	if err = sup.Start(ctx); err != nil {
		return err
	}

	servers := append([]Server(nil), cfg.servers...)
	if cfg.ctrlSockName != "" || cfg.ctrlSockPath != "" {
		servers = append(servers, ctrlServer{&ctrl.Server{
			Addr:           cfg.ctrlSockPath,
			ListenerFdName: cfg.ctrlSockName,
			HelpCommand:    "help",
			QuitCommand:    "quit",
			Logger:         logger,
		}})
		names := registerCommands(NewControl(sup))
		defer func() {
			for _, n := range names {
				ctrl.UnregisterCommand(n)
			}
		}()
	}
	ensemble := serverEnsemble{servers: servers}
	if err = ensemble.Listen(); err != nil {
		logger.CRIT("Failed to listen", "err", err)
		sup.Shutdown(0)
		return err
	}

	// We have all the inherited files we need now
	sd.Cleanup()

	srvctx, srvcancel := context.WithCancel(context.Background())
	defer srvcancel()
	served := make(chan error, 1)
	go func() { served <- ensemble.Serve(srvctx) }()
	servedc := served

	for _, f := range cfg.readyCallbacks {
		if e := f(); e != nil {
			logger.ERROR("Ready callback failed", "err", e)
		}
	}

	var watchdog <-chan time.Time
	if on, d := sd.WatchdogEnabled(); on && cfg.watchdog {
		t := time.NewTicker(d / 2)
		defer t.Stop()
		watchdog = t.C
	}

	exited := make(chan struct{})
	reloaded := make(chan error)
	timeout := cfg.stopTimeout

	// Events are serialized here. A reload runs in its own go-routine so a
	// stop can still get through and preempt it.
EVENTLOOP:
	for {
		select {
		case r := <-reload:
			cfg.notify(sd.StatusReloading, "Reloading")
			go func(r reloadReq) {
				e := sup.Reload(context.Background())
				if r.reply != nil {
					r.reply <- e
				}
				select {
				case reloaded <- e:
				case <-exited:
				}
			}(r)
		case e := <-reloaded:
			st := sup.Status()
			if e != nil {
				logger.ERROR("Reload failed", "err", e, "epoch", st.Epoch)
			} else {
				logger.NOTICE("Reloaded", "epoch", st.Epoch)
			}
			cfg.notify(sd.StatusReady, fmt.Sprintf("epoch %d, %d/%d ready", st.Epoch, st.Ready, st.Target))
		case graceful := <-stopch:
			if !graceful {
				timeout = 0
			}
			break EVENTLOOP
		case timeout = <-tostopch:
			break EVENTLOOP
		case <-ctx.Done():
			break EVENTLOOP
		case <-sup.Done():
			err = sup.Wait()
			if err == nil {
				err = errors.New("supervisor stopped")
			}
			logger.CRIT("Supervisor died", "err", err)
			break EVENTLOOP
		case e := <-servedc:
			if e != nil {
				logger.ERROR("Auxiliary servers exited", "err", e)
			}
			servedc = nil
		case <-watchdog:
			cfg.notify(sd.StatusWatchdog, "")
		}
	}
	close(exited)

	logger.NOTICE("Stopping", "timeout", timeout)
	cfg.notify(sd.StatusStopping, "Stopping")
	if serr := sup.Shutdown(timeout); err == nil {
		err = serr
	}

	sctx, cancel := context.WithTimeout(context.Background(), AuxShutdownTimeout)
	defer cancel()
	if e := ensemble.Shutdown(sctx); e != nil {
		logger.ERROR("Forcefully closing auxiliary servers", "err", e)
		ensemble.Close()
	}
	srvcancel()
	if servedc != nil {
		<-servedc
	}
	logger.NOTICE("Stopped")
	return err
}

// Reload tells Run() to restart all workers. It doesn't wait.
func Reload() {
	select {
	case reload <- reloadReq{}:
	default:
		logger.NOTICE("Reload already pending")
	}
}

// requestReload makes Run() restart all workers and waits for the result.
func requestReload(ctx context.Context) error {
	r := reloadReq{reply: make(chan error, 1)}
	select {
	case reload <- r:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exit tells Run() to exit. If graceful is true, workers get the configured
// shutdown timeout to drain, otherwise they're told to stop right away.
func Exit(graceful bool) {
	select {
	case stopch <- graceful: // buffered by 1 exit operation at a time
	default:
		logger.NOTICE("Main loop already waiting on exit")
	}
}

// ExitGracefulWithTimeout tells Run() to exit, giving workers to to drain.
func ExitGracefulWithTimeout(to time.Duration) {
	select {
	case tostopch <- to:
	default:
		logger.NOTICE("Main loop already waiting on exit")
	}
}
