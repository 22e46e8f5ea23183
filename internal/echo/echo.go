// Package echo is a line echo worker, the default workload of tillicum and
// the program behind tillicum-echo.
package echo

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ieure/tillicum/worker"
)

// DefaultIdleTimeout closes connections without traffic.
const DefaultIdleTimeout = 5 * time.Minute

// Service returns a worker.Service echoing lines on all stream listeners,
// at most maxConns connections per listener. 0 means no limit.
func Service(maxConns int, idle time.Duration) worker.Service {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return worker.ServiceFunc(func(rt *worker.Runtime) error {
		opts := []worker.ServeOption{worker.IdleTimeout(idle)}
		if maxConns > 0 {
			opts = append(opts, worker.MaxConns(maxConns))
		}
		return worker.ServeStream(rt, Handle, opts...)
	})
}

// Handle echoes lines read from c until EOF or ctx is done. The special
// line "whoami" answers with the connection's local address.
func Handle(ctx context.Context, c net.Conn) {
	stop := context.AfterFunc(ctx, func() { c.SetDeadline(time.Now()) })
	defer stop()

	b := bufio.NewReader(c)
	for {
		line, err := b.ReadBytes('\n')
		if len(line) > 0 {
			if string(line) == "whoami\n" {
				line = []byte(fmt.Sprintf("%s\n", c.LocalAddr()))
			}
			if _, werr := c.Write(line); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
