package echo

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEchoes(t *testing.T) {
	a, b := net.Pipe()
	done := make(chan struct{})
	go func() {
		Handle(context.Background(), a)
		close(done)
	}()

	r := bufio.NewReader(b)
	_, err := b.Write([]byte("hello\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)

	_, err = b.Write([]byte("whoami\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "pipe\n", line)

	b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle did not return on EOF")
	}
}

func TestHandleStopsOnContext(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Handle(ctx, a)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle did not return on cancel")
	}
}
