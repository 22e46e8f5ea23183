package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ieure/tillicum/listeners"
	"github.com/ieure/tillicum/sd"
)

// RunChild runs svc in a worker process started by the Exec backend.
// It returns ErrNotSupervised if the process wasn't.
func RunChild(svc Service) error {
	fdstr := os.Getenv(EnvControlFD)
	if fdstr == "" {
		return ErrNotSupervised
	}
	fd, err := strconv.Atoi(fdstr)
	if err != nil {
		return fmt.Errorf("%s: %w", EnvControlFD, err)
	}
	f := os.NewFile(uintptr(fd), "tillicum-control")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer conn.Close()

	im, err := listeners.ImportInherited()
	if err != nil {
		return err
	}
	defer im.Close()
	sd.Cleanup()

	epoch, _ := strconv.ParseUint(os.Getenv(EnvEpoch), 10, 64)
	hb, _ := time.ParseDuration(os.Getenv(EnvHeartbeat))

	ch := newChannel(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drain := make(chan struct{})
	var drainOnce sync.Once
	closeDrain := func() { drainOnce.Do(func() { close(drain) }) }

	go func() {
		for {
			m, err := ch.Recv()
			if err != nil {
				// supervisor gone
				closeDrain()
				cancel()
				return
			}
			switch m.Type {
			case MsgDrain:
				closeDrain()
			case MsgStop:
				closeDrain()
				cancel()
			}
		}
	}()

	rt := newRuntime(ctx, os.Getenv(EnvWorkerID), epoch, im, ch.Send, drain, hb)
	return serve(svc, rt)
}
