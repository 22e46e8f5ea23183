package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ieure/tillicum/health"
	"github.com/ieure/tillicum/listeners"
	"github.com/ieure/tillicum/restart"
	"github.com/ieure/tillicum/stats"
	"github.com/ieure/tillicum/worker"
)

func echo(rt *worker.Runtime) error {
	return worker.ServeStream(rt, func(ctx context.Context, c net.Conn) {
		r := bufio.NewReader(c)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if _, err := io.WriteString(c, line); err != nil {
				return
			}
		}
	})
}

func silent(rt *worker.Runtime) error {
	<-rt.Context().Done()
	return nil
}

// script picks the service of a worker by epoch.
type script func(epoch uint64) func(rt *worker.Runtime) error

func backend(sc script) worker.Backend {
	return &worker.Goroutines{Service: worker.ServiceFunc(func(rt *worker.Runtime) error {
		return sc(rt.Epoch())(rt)
	})}
}

func always(fn func(rt *worker.Runtime) error) script {
	return func(uint64) func(rt *worker.Runtime) error { return fn }
}

// recorder keeps the order of counter events.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) IncrementCounter(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *recorder) SetGauge(string, int64) {}

func (r *recorder) since(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == name {
			return append([]string(nil), r.events[i:]...)
		}
	}
	return nil
}

func testConfig(workers, min, max int) Config {
	return Config{
		Listeners:    []listeners.Spec{{Name: "echo", Net: "tcp", Addr: "127.0.0.1:0"}},
		Workers:      workers,
		MinWorkers:   min,
		MaxWorkers:   max,
		ReadyTimeout: 2 * time.Second,
		DrainTimeout: time.Second,
		StopTimeout:  time.Second,
		KillGrace:    100 * time.Millisecond,
	}
}

func start(t *testing.T, cfg Config, sc script, opts ...Option) *Supervisor {
	t.Helper()
	s, err := New(cfg, backend(sc), opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s
}

func ids(st Status) []string {
	var out []string
	for _, w := range st.Workers {
		out = append(out, w.ID)
	}
	return out
}

func dialEcho(addr string) error {
	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return err
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.WriteString(c, "ping\n"); err != nil {
		return err
	}
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		return err
	}
	if line != "ping\n" {
		return errors.New("bad echo " + line)
	}
	return nil
}

func TestReloadNewEpochReadyBeforeDrain(t *testing.T) {
	rec := &recorder{}
	var epochs []uint64
	var mu sync.Mutex
	s := start(t, testConfig(2, 1, 4), always(echo),
		WithStats(rec),
		WithReadyCallback(func(e uint64) {
			mu.Lock()
			epochs = append(epochs, e)
			mu.Unlock()
		}))

	require.NoError(t, s.Reload(context.Background()))

	var order []string
	for _, e := range rec.since(stats.RestartStart) {
		if e == stats.WorkerReady || e == stats.WorkerDraining {
			order = append(order, e)
		}
	}
	assert.Equal(t, []string{
		stats.WorkerReady, stats.WorkerReady,
		stats.WorkerDraining, stats.WorkerDraining,
	}, order)

	st := s.Status()
	assert.Equal(t, uint64(1), st.Epoch)
	assert.Equal(t, "idle", st.Phase)
	require.Len(t, st.Workers, 2)
	for _, w := range st.Workers {
		assert.Equal(t, uint64(1), w.Epoch)
		assert.Equal(t, worker.Ready, w.State)
	}
	require.NotNil(t, st.LastRestart)
	assert.Empty(t, st.LastRestart.Error)

	mu.Lock()
	assert.Equal(t, []uint64{0, 1}, epochs)
	mu.Unlock()
}

func TestReloadReadinessTimeout(t *testing.T) {
	cfg := testConfig(2, 1, 4)
	cfg.ReadyTimeout = 2 * time.Second
	mem := stats.NewMemory()
	s := start(t, cfg, func(epoch uint64) func(rt *worker.Runtime) error {
		if epoch > 0 {
			return silent
		}
		return echo
	}, WithStats(mem))
	before := s.Status()

	t0 := time.Now()
	err := s.Reload(context.Background())
	assert.ErrorIs(t, err, restart.ErrReadinessTimeout)
	assert.GreaterOrEqual(t, time.Since(t0), 2*time.Second)

	after := s.Status()
	assert.Equal(t, uint64(0), after.Epoch)
	assert.ElementsMatch(t, ids(before), ids(after))
	assert.Equal(t, 2, after.Ready)
	for _, w := range after.Workers {
		assert.Equal(t, worker.Ready, w.State)
	}
	require.NotNil(t, after.LastRestart)
	assert.NotEmpty(t, after.LastRestart.Error)
	assert.Equal(t, int64(1), mem.Counter(stats.RestartRollback))
	// the two silent workers were terminated
	assert.Equal(t, int64(2), mem.Counter(stats.WorkerStopped)+mem.Counter(stats.WorkerCrashed))

	assert.NoError(t, dialEcho(after.Listeners[0].Addr))
}

func TestDoubleReload(t *testing.T) {
	s := start(t, testConfig(2, 1, 4), func(epoch uint64) func(rt *worker.Runtime) error {
		if epoch > 0 {
			return func(rt *worker.Runtime) error {
				time.Sleep(300 * time.Millisecond)
				return echo(rt)
			}
		}
		return echo
	})

	first := make(chan error, 1)
	go func() { first <- s.Reload(context.Background()) }()
	require.Eventually(t, func() bool { return s.Status().Phase != "idle" }, time.Second, time.Millisecond)

	err := s.Reload(context.Background())
	assert.ErrorIs(t, err, ErrRestartInProgress)

	select {
	case err := <-first:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first reload did not finish")
	}
	assert.Equal(t, uint64(1), s.Status().Epoch)
}

func TestReadyNeverBelowMin(t *testing.T) {
	cfg := testConfig(2, 2, 4)
	s := start(t, cfg, always(echo))

	var lowest int64 = 1 << 30
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int64(s.Status().Ready); n < atomic.LoadInt64(&lowest) {
				atomic.StoreInt64(&lowest, n)
			}
		}
	}()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Reload(context.Background()))
	}
	close(stop)
	<-sampled
	assert.GreaterOrEqual(t, atomic.LoadInt64(&lowest), int64(cfg.MinWorkers))
	assert.Equal(t, uint64(3), s.Status().Epoch)
}

func TestListenersAcceptAcrossRestarts(t *testing.T) {
	s := start(t, testConfig(2, 1, 4), always(echo))
	addr := s.Status().Listeners[0].Addr

	var failures int64
	var dials int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			atomic.AddInt64(&dials, 1)
			if err := dialEcho(addr); err != nil {
				atomic.AddInt64(&failures, 1)
			}
		}
	}()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Reload(context.Background()))
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, atomic.LoadInt64(&failures), "of %d dials", atomic.LoadInt64(&dials))
}

func TestShutdownIsBounded(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := func(rt *worker.Runtime) error {
		rt.Ready()
		<-block
		return nil
	}
	s := start(t, testConfig(2, 1, 2), always(stuck))

	t0 := time.Now()
	assert.NoError(t, s.Shutdown(200*time.Millisecond))
	took := time.Since(t0)
	assert.Less(t, took, 200*time.Millisecond+time.Second)

	select {
	case <-s.Done():
	default:
		t.Fatal("not done")
	}
	st := s.Status()
	assert.Empty(t, st.Workers)
	assert.True(t, st.Stopping)

	// listeners are closed
	_, err := net.DialTimeout("tcp", st.Listeners[0].Addr, 200*time.Millisecond)
	assert.Error(t, err)

	// idempotent
	assert.NoError(t, s.Shutdown(time.Hour))
	assert.ErrorIs(t, s.Reload(context.Background()), ErrShutdown)
	assert.ErrorIs(t, s.Scale(context.Background(), 1), ErrShutdown)
}

func TestShutdownWithOpenConnections(t *testing.T) {
	s := start(t, testConfig(1, 1, 1), always(echo))
	addr := s.Status().Listeners[0].Addr
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	io.WriteString(c, "x\n")
	_, err = bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)

	t0 := time.Now()
	require.NoError(t, s.Shutdown(300*time.Millisecond))
	assert.Less(t, time.Since(t0), 300*time.Millisecond+time.Second)
}

func TestShutdownPreemptsRestart(t *testing.T) {
	cfg := testConfig(1, 1, 2)
	cfg.ReadyTimeout = time.Minute
	s := start(t, cfg, func(epoch uint64) func(rt *worker.Runtime) error {
		if epoch > 0 {
			return silent
		}
		return echo
	})

	reloaded := make(chan error, 1)
	go func() { reloaded <- s.Reload(context.Background()) }()
	require.Eventually(t, func() bool { return s.Status().Phase == "waiting_ready" }, time.Second, time.Millisecond)

	t0 := time.Now()
	require.NoError(t, s.Shutdown(500*time.Millisecond))
	assert.Less(t, time.Since(t0), 500*time.Millisecond+time.Second)
	assert.ErrorIs(t, <-reloaded, restart.ErrRestartAborted)
}

func TestScale(t *testing.T) {
	s := start(t, testConfig(2, 1, 4), always(echo))
	before := s.Status()

	require.NoError(t, s.Scale(context.Background(), 4))
	st := s.Status()
	assert.Equal(t, 4, st.Ready)
	assert.Equal(t, 4, st.Target)

	require.NoError(t, s.Scale(context.Background(), 1))
	require.Eventually(t, func() bool { return s.Status().Total == 1 }, 2*time.Second, 5*time.Millisecond)
	// the oldest is kept
	assert.Contains(t, ids(before), ids(s.Status())[0])

	assert.ErrorIs(t, s.Scale(context.Background(), 0), ErrScaleOutOfBounds)
	assert.ErrorIs(t, s.Scale(context.Background(), 5), ErrScaleOutOfBounds)

	// reload keeps the scaled size
	require.NoError(t, s.Reload(context.Background()))
	assert.Equal(t, 1, s.Status().Total)
}

func TestReloadAfterScaleDownKeepsTwoEpochs(t *testing.T) {
	cfg := testConfig(2, 1, 2)
	cfg.DrainTimeout = 300 * time.Millisecond
	// epoch 0 ignores drain requests
	s := start(t, cfg, func(epoch uint64) func(rt *worker.Runtime) error {
		if epoch > 0 {
			return echo
		}
		return func(rt *worker.Runtime) error {
			rt.Ready()
			<-rt.Context().Done()
			return nil
		}
	})
	require.NoError(t, s.Scale(context.Background(), 1))

	most := 0
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			alive := make(map[uint64]bool)
			for _, w := range s.Status().Workers {
				if !w.State.Terminal() {
					alive[w.Epoch] = true
				}
			}
			if len(alive) > most {
				most = len(alive)
			}
		}
	}()
	require.NoError(t, s.Reload(context.Background()))
	require.NoError(t, s.Reload(context.Background()))
	close(stop)
	<-sampled

	assert.LessOrEqual(t, most, 2)
	st := s.Status()
	assert.Equal(t, uint64(2), st.Epoch)
	for _, w := range st.Workers {
		assert.Equal(t, uint64(2), w.Epoch)
	}
}

func TestCrashBelowMinIsReplaced(t *testing.T) {
	crash := make(chan struct{}, 1)
	mem := stats.NewMemory()
	s := start(t, testConfig(1, 1, 2), always(func(rt *worker.Runtime) error {
		rt.Ready()
		select {
		case <-crash:
			return errors.New("boom")
		case <-rt.Draining():
			return nil
		}
	}), WithStats(mem))
	first := ids(s.Status())

	crash <- struct{}{}
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Ready == 1 && ids(st)[0] != first[0]
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), mem.Counter(stats.WorkerCrashed))
	assert.Equal(t, int64(2), mem.Counter(stats.WorkerSpawned))
}

func TestCrashAboveMinIsReaped(t *testing.T) {
	crash := make(chan struct{}, 1)
	mem := stats.NewMemory()
	s := start(t, testConfig(2, 1, 2), always(func(rt *worker.Runtime) error {
		rt.Ready()
		select {
		case <-crash:
			return errors.New("boom")
		case <-rt.Draining():
			return nil
		}
	}), WithStats(mem))

	crash <- struct{}{}
	require.Eventually(t, func() bool { return s.Status().Total == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.Status().Total)
	assert.Equal(t, int64(2), mem.Counter(stats.WorkerSpawned))
}

// mute drops the heartbeats of the workers it starts.
type mute struct{ worker.Backend }

func (m mute) Start(ctx context.Context, spec worker.Spec) (worker.Process, error) {
	p, err := m.Backend.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	mp := &muted{Process: p, msgs: make(chan worker.Message)}
	go mp.filter()
	return mp, nil
}

type muted struct {
	worker.Process
	msgs chan worker.Message
}

func (p *muted) Messages() <-chan worker.Message { return p.msgs }

func (p *muted) filter() {
	for {
		select {
		case m := <-p.Process.Messages():
			if m.Type == worker.MsgHeartbeat {
				continue
			}
			select {
			case p.msgs <- m:
			case <-p.Done():
				return
			}
		case <-p.Done():
			return
		}
	}
}

func TestUnresponsiveWorkerIsReplaced(t *testing.T) {
	cfg := testConfig(1, 1, 1)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.Health = health.Config{Interval: 20 * time.Millisecond, Threshold: 50 * time.Millisecond, MaxMisses: 2}
	mem := stats.NewMemory()
	s, err := New(cfg, mute{backend(always(echo))}, WithStats(mem))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Shutdown(time.Second) })
	first := ids(s.Status())[0]

	require.Eventually(t, func() bool {
		return mem.Counter(stats.HealthCrash) >= 1 && mem.Counter(stats.WorkerSpawned) >= 2
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Total >= 1 && ids(st)[0] != first
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStartBindErrorIsFatal(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(1, 1, 1)
	cfg.Listeners = []listeners.Spec{
		{Name: "ok", Net: "tcp", Addr: "127.0.0.1:0"},
		{Name: "taken", Net: "tcp", Addr: taken.Addr().String()},
	}
	s, err := New(cfg, backend(always(echo)))
	require.NoError(t, err)
	err = s.Start(context.Background())
	var be *listeners.BindError
	assert.ErrorAs(t, err, &be)
	assert.ErrorIs(t, s.Wait(), err)
	assert.Equal(t, err, s.Shutdown(time.Second))
}

func TestStartSpawnErrorIsFatal(t *testing.T) {
	s, err := New(testConfig(2, 1, 2), backend(always(func(*worker.Runtime) error {
		return errors.New("missing config")
	})))
	require.NoError(t, err)
	err = s.Start(context.Background())
	var se *worker.SpawnError
	assert.ErrorAs(t, err, &se)
	<-s.Done()
}

func TestShutdownDuringStart(t *testing.T) {
	cfg := testConfig(1, 1, 1)
	cfg.ReadyTimeout = 10 * time.Second
	s, err := New(cfg, backend(always(silent)))
	require.NoError(t, err)
	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	require.Eventually(t, func() bool { return s.Status().Total == 1 }, time.Second, 5*time.Millisecond)

	t0 := time.Now()
	err = s.Shutdown(time.Second)
	assert.Error(t, err)
	assert.Less(t, time.Since(t0), 2*time.Second)
	select {
	case serr := <-started:
		assert.Equal(t, err, serr)
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
}

func TestNotStarted(t *testing.T) {
	s, err := New(testConfig(1, 1, 1), backend(always(echo)))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Reload(context.Background()), ErrNotStarted)
	assert.NoError(t, s.Shutdown(time.Second))
	assert.ErrorIs(t, s.Start(context.Background()), ErrShutdown)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{}, backend(always(echo)))
	assert.Error(t, err)

	cfg := testConfig(3, 1, 2)
	_, err = New(cfg, backend(always(echo)))
	assert.ErrorIs(t, err, ErrScaleOutOfBounds)

	cfg = testConfig(1, 1, 1)
	cfg.DrainTimeout = -time.Second
	_, err = New(cfg, backend(always(echo)))
	assert.Error(t, err)

	cfg = testConfig(1, 1, 1)
	cfg.HeartbeatInterval = 2 * time.Second
	cfg.Health = health.Config{Threshold: 500 * time.Millisecond}
	_, err = New(cfg, backend(always(echo)))
	assert.ErrorContains(t, err, "heartbeat interval 2s not below health threshold 500ms")

	_, err = New(testConfig(1, 1, 1), &worker.Goroutines{})
	assert.ErrorIs(t, err, worker.ErrNoService)

	d := Config{Listeners: testConfig(1, 1, 1).Listeners}.WithDefaults()
	assert.Equal(t, 1, d.Workers)
	assert.Equal(t, 1, d.MaxWorkers)
	assert.Equal(t, restart.DefaultReadyTimeout, d.ReadyTimeout)
	assert.Equal(t, worker.DefaultHeartbeatInterval, d.HeartbeatInterval)
	assert.Equal(t, health.DefaultThreshold, d.Health.Threshold)
	assert.NoError(t, d.Validate())
}

func TestStatusText(t *testing.T) {
	s := start(t, testConfig(2, 1, 2), always(echo))
	var buf bytes.Buffer
	require.NoError(t, s.Status().WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "epoch 0, idle")
	assert.Contains(t, out, "2/2 ready")
	assert.Contains(t, out, "listener echo tcp 127.0.0.1:")
	for _, id := range ids(s.Status()) {
		assert.Contains(t, out, id)
	}
}
