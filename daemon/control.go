package daemon

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cast"

	"github.com/ieure/tillicum/daemon/ctrl"
	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/log/syslog"
	"github.com/ieure/tillicum/supervisor"
)

// Control is what control surfaces (the control socket, the admin server)
// may do to a running daemon. Reload and Stop go through Run() to be
// serialized with signals.
type Control struct {
	sup *supervisor.Supervisor
}

// NewControl returns a Control for the supervisor served by Run().
func NewControl(sup *supervisor.Supervisor) *Control {
	return &Control{sup: sup}
}

// Reload restarts all workers and waits for the outcome.
func (c *Control) Reload(ctx context.Context) error {
	return requestReload(ctx)
}

func (c *Control) Scale(ctx context.Context, n int) error {
	return c.sup.Scale(ctx, n)
}

// Stop makes Run() exit, draining workers for at most timeout.
// A negative timeout means the configured one.
func (c *Control) Stop(timeout time.Duration) {
	if timeout < 0 {
		Exit(true)
		return
	}
	ExitGracefulWithTimeout(timeout)
}

func (c *Control) Status() supervisor.Status {
	return c.sup.Status()
}

// registerCommands registers the control socket commands, returning their names.
func registerCommands(c *Control) []string {
	cmds := map[string]ctrl.Command{
		"reload": ctrl.CommandFunc{
			Comment: "restart all workers in a new epoch",
			Fn: func(ctx context.Context, w io.Writer, args []string) error {
				if err := c.Reload(ctx); err != nil {
					return err
				}
				fmt.Fprintln(w, "OK epoch", c.Status().Epoch)
				return nil
			},
		},
		"status": ctrl.CommandFunc{
			Comment: "show workers and listeners",
			Fn: func(ctx context.Context, w io.Writer, args []string) error {
				return c.Status().WriteText(w)
			},
		},
		"scale": ctrl.CommandFunc{
			Syntax:  "<n>",
			Comment: "set the number of workers",
			Fn: func(ctx context.Context, w io.Writer, args []string) error {
				if len(args) != 1 {
					return fmt.Errorf("usage: scale <n>")
				}
				n, err := cast.ToIntE(args[0])
				if err != nil {
					return err
				}
				if err = c.Scale(ctx, n); err != nil {
					return err
				}
				fmt.Fprintln(w, "OK", n)
				return nil
			},
		},
		"stop": ctrl.CommandFunc{
			Syntax:  "[timeout]",
			Comment: "drain workers and exit",
			Fn: func(ctx context.Context, w io.Writer, args []string) error {
				timeout := time.Duration(-1)
				if len(args) > 0 {
					d, err := cast.ToDurationE(args[0])
					if err != nil {
						return err
					}
					timeout = d
				}
				c.Stop(timeout)
				fmt.Fprintln(w, "OK stopping")
				return nil
			},
		},
		"loglevel": ctrl.CommandFunc{
			Syntax:  "[+|-|<level>]",
			Comment: "show or change the log level",
			Fn:      loglevel,
		},
	}
	names := make([]string, 0, len(cmds))
	for name, cmd := range cmds {
		ctrl.RegisterCommand(name, cmd)
		names = append(names, name)
	}
	return names
}

func loglevel(ctx context.Context, w io.Writer, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "+":
			log.IncLevelAll()
		case "-":
			log.DecLevelAll()
		default:
			lvl, err := syslog.ParsePriority(args[0])
			if err != nil {
				return err
			}
			log.SetLevelAll(lvl)
		}
	}
	fmt.Fprintln(w, "Log level:", log.Default().Level())
	return nil
}
