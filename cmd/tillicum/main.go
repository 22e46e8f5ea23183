// Command tillicum supervises a pool of workers serving shared listeners,
// restarting them without dropping connections.
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ieure/tillicum/admin"
	"github.com/ieure/tillicum/config"
	"github.com/ieure/tillicum/daemon"
	"github.com/ieure/tillicum/daemon/ctrl"
	"github.com/ieure/tillicum/internal/echo"
	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/log/syslog"
	"github.com/ieure/tillicum/log/zaplog"
	"github.com/ieure/tillicum/metric"
	"github.com/ieure/tillicum/metric/statsd"
	"github.com/ieure/tillicum/procstat"
	"github.com/ieure/tillicum/sd"
	"github.com/ieure/tillicum/signals"
	"github.com/ieure/tillicum/stats"
	"github.com/ieure/tillicum/supervisor"
	"github.com/ieure/tillicum/worker"
)

var logger = log.GetLogger("tillicum")

func main() {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	configFiles := fs.StringSliceP("config", "c", nil, "configuration files (yaml, toml or json)")
	envFiles := fs.StringSlice("env-file", nil, ".env files with TILLICUM_* variables")
	check := fs.Bool("check", false, "print the merged configuration and exit")
	config.Flags(fs)
	fs.Parse(os.Args[1:])

	store, err := config.New(fs)
	if err != nil {
		fail(err)
	}
	for _, f := range *configFiles {
		store.AddConfigFile("", f)
	}
	if len(*envFiles) > 0 {
		if err := store.LoadDotEnv(*envFiles...); err != nil {
			fail(err)
		}
	}
	cfg, err := config.Read(store)
	if *check {
		store.Marshal(os.Stdout, "yaml")
		if err != nil {
			fail(err)
		}
		return
	}
	if err != nil {
		fail(err)
	}

	if err := setupLogging(cfg.Log); err != nil {
		fail(err)
	}
	if err := run(store, cfg); err != nil {
		logger.ERROR("Exiting", "err", err)
		sd.Notify(sd.NotifyUnsetEnv, "STATUS=Failed: "+err.Error())
		os.Exit(1)
	}
	sd.Notify(sd.NotifyUnsetEnv, "STATUS=Terminated")
	logger.INFO("Halted")
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(2)
}

func setupLogging(c config.LogConfig) error {
	switch c.Format {
	case "min":
		log.Minimal(os.Stderr)
	case "json":
		log.SetHandler(log.NewJSONFormatter(log.SyncWriter(os.Stderr)))
	case "zap":
		z, err := zap.NewProduction()
		if err != nil {
			return err
		}
		log.SetHandler(zaplog.NewHandler(z))
	}
	lvl, err := syslog.ParsePriority(c.Level)
	if err != nil {
		return err
	}
	log.SetLevelAll(lvl)
	return nil
}

func run(store *config.Store, cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, reg, stop, err := setupStats(cfg.Stats)
	if err != nil {
		return err
	}
	defer stop()

	backend, err := newBackend(cfg.Workers)
	if err != nil {
		return err
	}
	sup, err := supervisor.New(cfg.Supervisor(), backend,
		supervisor.WithStats(sink),
		supervisor.WithReadyCallback(func(epoch uint64) {
			sd.Notify(0, fmt.Sprintf("STATUS=Serving epoch %d", epoch))
		}))
	if err != nil {
		return err
	}

	opts := []daemon.RunOption{
		daemon.ControlSocket(cfg.Control.FdName, cfg.Control.Socket),
		daemon.ShutdownTimeout(cfg.Timeouts.Shutdown),
		daemon.SdNotifyOnReady(true, "Ready"),
	}
	if cfg.Admin.Addr != "" || cfg.Admin.FdName != "" {
		var g prometheus.Gatherer
		if reg != nil {
			g = reg
		}
		srv := admin.New(cfg.Admin.Addr, daemon.NewControl(sup), g)
		srv.ListenerFdName = cfg.Admin.FdName
		srv.ErrorLog = log.NewStdLogger(logger, syslog.LOG_ERR)
		ctrl.RegisterCommand("accesslog", admin.AccessLogCommand(srv.AccessLog))
		opts = append(opts, daemon.Servers(srv))
	}

	if cfg.Stats.Proc > 0 {
		sampler := &procstat.Sampler{
			Interval: cfg.Stats.Proc,
			Stats:    sink,
			Pids:     workerPids(sup),
		}
		go sampler.Run(ctx)
	}

	// No reload while the configuration files are broken.
	reload := func() {
		if _, err := config.Read(store); err != nil {
			logger.ERROR("Not reloading. Bad configuration", "err", err)
			return
		}
		daemon.Reload()
	}

	signals.RunSignalHandler(ctx, signals.Mappings{
		syscall.SIGHUP: func() {
			logger.INFO("Signal reload")
			reload()
		},
		syscall.SIGTERM: func() {
			logger.INFO("Signal exit, graceful")
			daemon.Exit(true)
		},
		syscall.SIGINT: func() {
			logger.INFO("Signal exit")
			daemon.Exit(false)
		},
		syscall.SIGUSR1: func() {
			sup.Status().WriteText(os.Stderr)
		},
		syscall.SIGTTIN: func() {
			log.IncLevelAll()
			logger.NOTICE("Log level", "level", log.Default().Level())
		},
		syscall.SIGTTOU: func() {
			log.DecLevelAll()
			logger.NOTICE("Log level", "level", log.Default().Level())
		},
	})

	if watch := append(store.Files(), cfg.Watch.Paths...); len(watch) > 0 {
		go func() {
			if err := config.Watch(ctx, watch, cfg.Watch.Debounce, reload); err != nil {
				logger.ERROR("Not watching configuration", "err", err)
			}
		}()
	}

	logger.INFO("Starting", "pid", os.Getpid(), "workers", cfg.Workers.Count, "backend", cfg.Workers.Backend)
	return daemon.Run(ctx, sup, opts...)
}

// setupStats returns the sink everything reports to and, if Prometheus
// is enabled, the registry to serve.
func setupStats(c config.StatsConfig) (stats.Sink, *prometheus.Registry, func(), error) {
	var (
		sinks []stats.Sink
		reg   *prometheus.Registry
	)
	stop := func() {}
	if c.Statsd != "" {
		f, err := statsd.New(statsd.Peer(c.Statsd), statsd.Prefix(c.Prefix))
		if err != nil {
			return nil, nil, nil, err
		}
		client := metric.NewClient(f, metric.FlushInterval(c.Flush))
		stop = client.Stop
		sinks = append(sinks, stats.NewMetricSink(client))
	}
	if c.Prometheus {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sinks = append(sinks, stats.NewPrometheusSink(reg, c.Prefix))
	}
	return stats.Multi(sinks...), reg, stop, nil
}

func newBackend(c config.WorkersConfig) (worker.Backend, error) {
	switch c.Backend {
	case "goroutine":
		return &worker.Goroutines{Service: echo.Service(c.MaxConns, c.IdleTimeout)}, nil
	case "exec":
		return &worker.Exec{
			Path: c.Command[0],
			Args: c.Command[1:],
			Env:  c.Env,
			Dir:  c.Dir,
		}, nil
	}
	return nil, fmt.Errorf("unknown worker backend %q", c.Backend)
}

func workerPids(sup *supervisor.Supervisor) procstat.Pids {
	return func() []int {
		var pids []int
		for _, w := range sup.Status().Workers {
			if w.Pid > 0 {
				pids = append(pids, w.Pid)
			}
		}
		return pids
	}
}
