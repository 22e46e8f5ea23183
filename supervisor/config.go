package supervisor

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/ieure/tillicum/health"
	"github.com/ieure/tillicum/listeners"
	"github.com/ieure/tillicum/restart"
	"github.com/ieure/tillicum/worker"
)

// DefaultShutdownTimeout is used by Shutdown callers which have no timeout of their own.
const DefaultShutdownTimeout = 30 * time.Second

// Config of a Supervisor.
type Config struct {
	Listeners []listeners.Spec `mapstructure:"listeners"`

	// Workers is the initial pool size.
	Workers    int `mapstructure:"count"`
	MinWorkers int `mapstructure:"min"`
	MaxWorkers int `mapstructure:"max"`

	ReadyTimeout    time.Duration `mapstructure:"ready"`
	DrainTimeout    time.Duration `mapstructure:"drain"`
	StopTimeout     time.Duration `mapstructure:"stop"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`
	// KillGrace is how long a killed worker gets to disappear.
	KillGrace time.Duration `mapstructure:"kill_grace"`

	Health health.Config `mapstructure:"health"`
}

// WithDefaults fills in zero values.
func (c Config) WithDefaults() Config {
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.MinWorkers == 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = c.Workers
		if c.MaxWorkers < c.MinWorkers {
			c.MaxWorkers = c.MinWorkers
		}
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = restart.DefaultReadyTimeout
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = restart.DefaultDrainTimeout
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = restart.DefaultStopTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = worker.DefaultHeartbeatInterval
	}
	c.Health = c.Health.WithDefaults()
	return c
}

// Validate reports all configuration errors at once.
func (c Config) Validate() error {
	var errs error
	if len(c.Listeners) == 0 {
		errs = multierr.Append(errs, errors.New("no listeners configured"))
	}
	if c.MinWorkers < 1 {
		errs = multierr.Append(errs, fmt.Errorf("min workers %d < 1", c.MinWorkers))
	}
	if c.MaxWorkers < c.MinWorkers {
		errs = multierr.Append(errs, fmt.Errorf("max workers %d < min %d", c.MaxWorkers, c.MinWorkers))
	}
	if c.Workers < c.MinWorkers || c.Workers > c.MaxWorkers {
		errs = multierr.Append(errs, fmt.Errorf("%w: workers %d not in [%d, %d]", ErrScaleOutOfBounds, c.Workers, c.MinWorkers, c.MaxWorkers))
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"ready", c.ReadyTimeout},
		{"drain", c.DrainTimeout},
		{"stop", c.StopTimeout},
		{"shutdown", c.ShutdownTimeout},
	} {
		if t.d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s timeout must be positive, is %s", t.name, t.d))
		}
	}
	// Healthy workers would count as missing their heartbeats.
	if c.HeartbeatInterval >= c.Health.Threshold {
		errs = multierr.Append(errs, fmt.Errorf("heartbeat interval %s not below health threshold %s", c.HeartbeatInterval, c.Health.Threshold))
	}
	return errs
}

func (c Config) restartConfig() restart.Config {
	return restart.Config{
		ReadyTimeout: c.ReadyTimeout,
		DrainTimeout: c.DrainTimeout,
		StopTimeout:  c.StopTimeout,
	}
}
