package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ieure/tillicum/listeners"
	"github.com/ieure/tillicum/stats"
)

const childEnv = "TILLICUM_WORKER_TEST_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(childEnv) != "" {
		if err := RunChild(echoService); err != nil {
			os.Exit(3)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// echoService answers each line with the worker id and the line.
var echoService = ServiceFunc(func(rt *Runtime) error {
	return ServeStream(rt, func(ctx context.Context, c net.Conn) {
		r := bufio.NewReader(c)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if _, err := io.WriteString(c, rt.ID()+" "+line); err != nil {
				return
			}
		}
	})
})

func bindSet(t *testing.T) *listeners.Set {
	t.Helper()
	set, err := listeners.Bind([]listeners.Spec{{Name: "echo", Net: "tcp", Addr: "127.0.0.1:0"}})
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })
	return set
}

func roundtrip(t *testing.T, addr net.Addr) string {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = io.WriteString(c, "hello\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	return line
}

func readyCtx(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func TestGoroutineWorkerLifecycle(t *testing.T) {
	set := bindSet(t)
	mem := stats.NewMemory()

	h, err := Spawn(context.Background(), &Goroutines{Service: echoService}, set, 1, Options{Stats: mem})
	require.NoError(t, err)
	assert.Equal(t, Starting, h.State())
	assert.Equal(t, uint64(1), h.Epoch())
	assert.Equal(t, 1, set.Refs())

	ctx, cancel := readyCtx(2 * time.Second)
	defer cancel()
	require.NoError(t, h.WaitReady(ctx))
	assert.Equal(t, Ready, h.State())
	_, ok := h.Heartbeat()
	assert.True(t, ok)

	assert.Equal(t, h.ID()+" hello\n", roundtrip(t, set.Addrs()[0]))

	require.NoError(t, h.RequestDrain())
	assert.Equal(t, Draining, h.State())
	assert.True(t, h.WaitStopped(ctx))
	assert.Equal(t, Stopped, h.State())
	assert.Equal(t, 0, set.Refs())

	assert.Equal(t, int64(1), mem.Counter(stats.WorkerSpawned))
	assert.Equal(t, int64(1), mem.Counter(stats.WorkerReady))
	assert.Equal(t, int64(1), mem.Counter(stats.WorkerDraining))
	assert.Equal(t, int64(1), mem.Counter(stats.WorkerStopped))
}

func TestDrainFinishesOpenConnections(t *testing.T) {
	set := bindSet(t)
	h, err := Spawn(context.Background(), &Goroutines{Service: echoService}, set, 0, Options{})
	require.NoError(t, err)
	ctx, cancel := readyCtx(2 * time.Second)
	defer cancel()
	require.NoError(t, h.WaitReady(ctx))

	c, err := net.Dial("tcp", set.Addrs()[0].String())
	require.NoError(t, err)
	defer c.Close()
	r := bufio.NewReader(c)
	io.WriteString(c, "one\n")
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	require.NoError(t, h.RequestDrain())

	// the open connection is still served
	io.WriteString(c, "two\n")
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, h.ID()+" two\n", line)

	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	assert.False(t, h.WaitStopped(short), "stopped with a connection open")

	c.Close()
	assert.True(t, h.WaitStopped(ctx))
}

func TestReadinessTimeout(t *testing.T) {
	set := bindSet(t)
	silent := ServiceFunc(func(rt *Runtime) error {
		<-rt.Context().Done()
		return nil
	})
	h, err := Spawn(context.Background(), &Goroutines{Service: silent}, set, 0, Options{})
	require.NoError(t, err)

	ctx, cancel := readyCtx(100 * time.Millisecond)
	defer cancel()
	err = h.WaitReady(ctx)
	assert.ErrorIs(t, err, ErrReadinessTimeout)
	assert.Equal(t, Starting, h.State())

	assert.Equal(t, Stopped, h.Terminate(time.Second))
	assert.Equal(t, 0, set.Refs())
}

func TestTerminateKillsStuckWorker(t *testing.T) {
	set := bindSet(t)
	block := make(chan struct{})
	defer close(block)
	stuck := ServiceFunc(func(rt *Runtime) error {
		rt.Ready()
		<-block
		return nil
	})
	mem := stats.NewMemory()
	h, err := Spawn(context.Background(), &Goroutines{Service: stuck}, set, 0, Options{Stats: mem})
	require.NoError(t, err)
	ctx, cancel := readyCtx(time.Second)
	defer cancel()
	require.NoError(t, h.WaitReady(ctx))

	start := time.Now()
	assert.Equal(t, Crashed, h.Terminate(50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), mem.Counter(stats.WorkerCrashed))
	assert.Equal(t, 0, set.Refs())

	// terminal states stick
	assert.Equal(t, Crashed, h.Terminate(time.Second))
	assert.Error(t, h.RequestDrain())
}

func TestExitBeforeReady(t *testing.T) {
	set := bindSet(t)
	broken := ServiceFunc(func(rt *Runtime) error {
		return errors.New("no config")
	})
	h, err := Spawn(context.Background(), &Goroutines{Service: broken}, set, 3, Options{})
	require.NoError(t, err)

	ctx, cancel := readyCtx(time.Second)
	defer cancel()
	err = h.WaitReady(ctx)
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, h.ID(), se.ID)
	assert.Equal(t, uint64(3), se.Epoch)
	assert.Equal(t, Crashed, h.State())
}

func TestServicePanicIsAnExit(t *testing.T) {
	set := bindSet(t)
	h, err := Spawn(context.Background(), &Goroutines{Service: ServiceFunc(func(rt *Runtime) error {
		rt.Ready()
		panic("boom")
	})}, set, 0, Options{})
	require.NoError(t, err)

	select {
	case <-h.Exited():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	assert.Contains(t, h.Err().Error(), "boom")
	s, ok := h.Reap()
	assert.True(t, ok)
	assert.Equal(t, Crashed, s)
}

func TestHeartbeats(t *testing.T) {
	set := bindSet(t)
	h, err := Spawn(context.Background(), &Goroutines{Service: echoService}, set, 0,
		Options{HeartbeatInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer h.Terminate(time.Second)

	ctx, cancel := readyCtx(time.Second)
	defer cancel()
	require.NoError(t, h.WaitReady(ctx))
	first, ok := h.Heartbeat()
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		last, _ := h.Heartbeat()
		return last.After(first)
	}, time.Second, 10*time.Millisecond)
}

func TestSpawnOnClosedSet(t *testing.T) {
	set := bindSet(t)
	require.NoError(t, set.Close())
	mem := stats.NewMemory()
	_, err := Spawn(context.Background(), &Goroutines{Service: echoService}, set, 0, Options{Stats: mem})
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, listeners.ErrClosed)
	assert.Equal(t, int64(1), mem.Counter(stats.SpawnFailed))
}

func TestGoroutinesValidate(t *testing.T) {
	assert.ErrorIs(t, (&Goroutines{}).Validate(), ErrNoService)
	assert.NoError(t, (&Goroutines{Service: echoService}).Validate())
}

func TestExecWorker(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	backend := &Exec{
		Path: exe,
		Args: []string{"-test.run=^$"},
		Env:  []string{childEnv + "=1"},
	}
	require.NoError(t, backend.Validate())

	set := bindSet(t)
	ctx, cancel := readyCtx(10 * time.Second)
	defer cancel()

	old, err := Spawn(ctx, backend, set, 1, Options{HeartbeatInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, old.WaitReady(ctx))
	assert.NotZero(t, old.Pid())
	assert.Equal(t, old.ID()+" hello\n", roundtrip(t, set.Addrs()[0]))

	// a second generation on the same sockets, then retire the first
	next, err := Spawn(ctx, backend, set, 2, Options{HeartbeatInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, next.WaitReady(ctx))
	require.NoError(t, old.RequestDrain())
	require.True(t, old.WaitStopped(ctx))
	assert.Equal(t, Stopped, old.State())

	assert.Equal(t, next.ID()+" hello\n", roundtrip(t, set.Addrs()[0]))

	assert.Equal(t, Stopped, next.Terminate(5*time.Second))
	assert.Equal(t, 0, set.Refs())
}

func TestExecValidate(t *testing.T) {
	assert.Error(t, (&Exec{}).Validate())
	assert.Error(t, (&Exec{Path: "/nonexistent/tillicum-worker"}).Validate())
}

func TestRunChildUnsupervised(t *testing.T) {
	assert.ErrorIs(t, RunChild(echoService), ErrNotSupervised)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.True(t, Crashed.Terminal())
	assert.False(t, Ready.Terminal())
}
