// Package config loads the tillicum configuration from defaults, config
// files, .env files, TILLICUM_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/ieure/tillicum/health"
	"github.com/ieure/tillicum/listeners"
	"github.com/ieure/tillicum/supervisor"
)

// Prefix of environment variables overriding configuration keys.
const Prefix = "TILLICUM"

// Config is the complete daemon configuration.
type Config struct {
	Listeners []listeners.Spec `mapstructure:"listeners"`
	Workers   WorkersConfig    `mapstructure:"workers"`
	Timeouts  TimeoutsConfig   `mapstructure:"timeouts"`
	Health    health.Config    `mapstructure:"health"`
	Stats     StatsConfig      `mapstructure:"stats"`
	Control   ControlConfig    `mapstructure:"control"`
	Admin     AdminConfig      `mapstructure:"admin"`
	Log       LogConfig        `mapstructure:"log"`
	Watch     WatchConfig      `mapstructure:"watch"`
}

type WorkersConfig struct {
	Count int `mapstructure:"count"`
	Min   int `mapstructure:"min"`
	Max   int `mapstructure:"max"`
	// Backend is "exec" or "goroutine".
	Backend string `mapstructure:"backend"`
	// Command is the worker program and its arguments for the exec backend.
	Command   []string      `mapstructure:"command"`
	Dir       string        `mapstructure:"dir"`
	Env       []string      `mapstructure:"env"`
	// MaxConns and IdleTimeout apply to the built-in goroutine workers.
	MaxConns    int           `mapstructure:"max_conns"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`
	KillGrace   time.Duration `mapstructure:"kill_grace"`
}

type TimeoutsConfig struct {
	Ready    time.Duration `mapstructure:"ready"`
	Drain    time.Duration `mapstructure:"drain"`
	Stop     time.Duration `mapstructure:"stop"`
	Shutdown time.Duration `mapstructure:"shutdown"`
}

type StatsConfig struct {
	// Statsd is the host:port of a statsd server. Empty disables statsd.
	Statsd     string        `mapstructure:"statsd"`
	Prefix     string        `mapstructure:"prefix"`
	Flush      time.Duration `mapstructure:"flush"`
	Prometheus bool          `mapstructure:"prometheus"`
	// Proc is the interval of /proc sampling. 0 disables it.
	Proc time.Duration `mapstructure:"proc"`
}

type ControlConfig struct {
	Socket string `mapstructure:"socket"`
	FdName string `mapstructure:"fd_name"`
}

type AdminConfig struct {
	Addr   string `mapstructure:"addr"`
	FdName string `mapstructure:"fd_name"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "std", "min", "json" or "zap".
	Format string `mapstructure:"format"`
}

type WatchConfig struct {
	Paths    []string      `mapstructure:"paths"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Keys of all configuration values, for env bindings.
var Keys = []string{
	"listeners",
	"workers.count", "workers.min", "workers.max", "workers.backend",
	"workers.command", "workers.dir", "workers.env", "workers.max_conns", "workers.idle_timeout",
	"workers.heartbeat", "workers.kill_grace",
	"timeouts.ready", "timeouts.drain", "timeouts.stop", "timeouts.shutdown",
	"health.interval", "health.threshold", "health.max_misses",
	"stats.statsd", "stats.prefix", "stats.flush", "stats.prometheus", "stats.proc",
	"control.socket", "control.fd_name",
	"admin.addr", "admin.fd_name",
	"log.level", "log.format",
	"watch.paths", "watch.debounce",
}

// SetDefaults sets the default values in s.
func SetDefaults(s *Store) {
	s.SetDefault("workers.count", 1)
	s.SetDefault("workers.min", 1)
	s.SetDefault("workers.backend", "exec")
	s.SetDefault("timeouts.ready", "10s")
	s.SetDefault("timeouts.drain", "30s")
	s.SetDefault("timeouts.stop", "5s")
	s.SetDefault("timeouts.shutdown", "30s")
	s.SetDefault("health.interval", "1s")
	s.SetDefault("health.threshold", "3s")
	s.SetDefault("health.max_misses", 3)
	s.SetDefault("stats.prefix", "tillicum")
	s.SetDefault("stats.flush", "10s")
	s.SetDefault("log.level", "info")
	s.SetDefault("log.format", "std")
	s.SetDefault("watch.debounce", "500ms")
}

// Flags defines the command line flags overriding configuration keys.
func Flags(fs *pflag.FlagSet) {
	fs.StringSliceP("listeners", "l", nil, "listeners as name=net:addr")
	fs.IntP("workers.count", "n", 0, "number of workers")
	fs.Int("workers.min", 0, "minimum number of ready workers")
	fs.Int("workers.max", 0, "maximum number of workers")
	fs.String("workers.backend", "", "worker backend: exec or goroutine")
	fs.StringSlice("workers.command", nil, "worker command and arguments")
	fs.Duration("timeouts.ready", 0, "readiness timeout")
	fs.Duration("timeouts.drain", 0, "drain timeout")
	fs.Duration("timeouts.shutdown", 0, "shutdown timeout")
	fs.String("stats.statsd", "", "statsd host:port")
	fs.StringP("control.socket", "s", "", "path to control socket")
	fs.String("admin.addr", "", "admin HTTP listen address")
	fs.String("log.level", "", "log level")
	fs.String("log.format", "", "log format: std, min, json or zap")
	fs.StringSlice("watch.paths", nil, "files to watch for reload")
}

// New returns a Store with defaults, env bindings and the flags of fs
// bound. fs may be nil.
func New(fs *pflag.FlagSet) (*Store, error) {
	s := NewStore(EnvPrefix(Prefix))
	SetDefaults(s)
	for _, k := range Keys {
		if err := s.BindEnv(k); err != nil {
			return nil, err
		}
	}
	if fs != nil {
		if err := s.BindPFlags(fs); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Read (re)loads the sources of s and decodes the result.
func Read(s *Store) (Config, error) {
	var c Config
	if err := s.Load(); err != nil {
		return c, err
	}
	if err := s.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate reports all configuration errors at once.
func (c Config) Validate() error {
	var errs error
	switch c.Workers.Backend {
	case "exec":
		if len(c.Workers.Command) == 0 {
			errs = multierr.Append(errs, errors.New("workers.command is required for the exec backend"))
		}
	case "goroutine":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown workers.backend %q", c.Workers.Backend))
	}
	switch c.Log.Format {
	case "", "std", "min", "json", "zap":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return multierr.Append(errs, c.Supervisor().Validate())
}

// Supervisor returns the supervisor part of the configuration, with defaults.
func (c Config) Supervisor() supervisor.Config {
	return supervisor.Config{
		Listeners:         c.Listeners,
		Workers:           c.Workers.Count,
		MinWorkers:        c.Workers.Min,
		MaxWorkers:        c.Workers.Max,
		ReadyTimeout:      c.Timeouts.Ready,
		DrainTimeout:      c.Timeouts.Drain,
		StopTimeout:       c.Timeouts.Stop,
		ShutdownTimeout:   c.Timeouts.Shutdown,
		HeartbeatInterval: c.Workers.Heartbeat,
		KillGrace:         c.Workers.KillGrace,
		Health:            c.Health,
	}.WithDefaults()
}
