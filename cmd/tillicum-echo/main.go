// Command tillicum-echo is a worker for tillicum's exec backend. It echoes
// lines on every stream listener it's handed.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/ieure/tillicum/internal/echo"
	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/log/syslog"
	"github.com/ieure/tillicum/worker"
)

func main() {
	maxConns := pflag.Int("max-conns", 0, "connection limit per listener, 0 for none")
	idle := pflag.Duration("idle-timeout", echo.DefaultIdleTimeout, "close connections idle this long")
	level := pflag.String("log-level", "info", "log level")
	pflag.Parse()

	lvl, err := syslog.ParsePriority(*level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Minimal(os.Stderr)
	log.SetLevelAll(lvl)

	err = worker.RunChild(echo.Service(*maxConns, *idle))
	if errors.Is(err, worker.ErrNotSupervised) {
		fmt.Fprintln(os.Stderr, "tillicum-echo must be started by tillicum")
		os.Exit(2)
	}
	if err != nil {
		log.ERROR("Worker failed", "err", err)
		os.Exit(1)
	}
}
