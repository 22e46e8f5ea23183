package signals

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalRunsAction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan struct{}, 1)
	done := RunSignalHandler(ctx, Mappings{
		syscall.SIGUSR2: func() { got <- struct{}{} },
	})
	// give signal.Notify a chance to be installed
	time.Sleep(50 * time.Millisecond)

	assert.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("action not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not stop")
	}
}
