package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ieure/tillicum/listeners"
	"github.com/ieure/tillicum/stats"
	"github.com/ieure/tillicum/worker"
)

type pool struct {
	mu      sync.Mutex
	handles []*worker.Handle
}

func (p *pool) source() []*worker.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*worker.Handle(nil), p.handles...)
}

func (p *pool) set(hs ...*worker.Handle) {
	p.mu.Lock()
	p.handles = hs
	p.mu.Unlock()
}

// quiet workers report ready and then only beat when kicked
func spawnQuiet(t *testing.T, ready bool) (*worker.Handle, chan struct{}) {
	t.Helper()
	set, err := listeners.Bind([]listeners.Spec{{Net: "tcp", Addr: "127.0.0.1:0"}})
	require.NoError(t, err)
	kick := make(chan struct{})
	svc := worker.ServiceFunc(func(rt *worker.Runtime) error {
		if ready {
			rt.Ready()
		}
		for {
			select {
			case <-kick:
				rt.Heartbeat()
			case <-rt.Context().Done():
				return nil
			}
		}
	})
	h, err := worker.Spawn(context.Background(), &worker.Goroutines{Service: svc}, set, 1,
		worker.Options{HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	if ready {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, h.WaitReady(ctx))
	}
	t.Cleanup(func() {
		h.Terminate(time.Second)
		set.Close()
	})
	return h, kick
}

func TestThreeMissesMakeAVerdict(t *testing.T) {
	h, _ := spawnQuiet(t, true)
	p := &pool{}
	p.set(h)
	mem := stats.NewMemory()
	m := New(Config{Threshold: time.Second}, p.source, mem)
	assert.Equal(t, DefaultMaxMisses, m.Config().MaxMisses)

	now := time.Now()
	assert.Empty(t, m.Poll(now))
	rec, ok := m.Record(h.ID())
	require.True(t, ok)
	assert.Equal(t, 0, rec.Misses)
	assert.Equal(t, worker.Ready, rec.State)

	assert.Empty(t, m.Poll(now.Add(2*time.Second)))
	assert.Empty(t, m.Poll(now.Add(3*time.Second)))
	vs := m.Poll(now.Add(4 * time.Second))
	require.Len(t, vs, 1)
	assert.Same(t, h, vs[0].Handle)
	assert.Equal(t, 3, vs[0].Misses)

	// reported once
	assert.Empty(t, m.Poll(now.Add(5*time.Second)))
	assert.Equal(t, int64(4), mem.Counter(stats.HealthMiss))
	assert.Equal(t, int64(1), mem.Counter(stats.HealthCrash))

	// the monitor leaves the state to the owner
	assert.Equal(t, worker.Ready, h.State())
}

func TestHeartbeatClearsMisses(t *testing.T) {
	h, kick := spawnQuiet(t, true)
	p := &pool{}
	p.set(h)
	m := New(Config{Threshold: time.Second}, p.source, nil)

	before, _ := h.Heartbeat()
	m.Poll(time.Now().Add(2 * time.Second))
	m.Poll(time.Now().Add(3 * time.Second))
	rec, _ := m.Record(h.ID())
	assert.Equal(t, 2, rec.Misses)

	kick <- struct{}{}
	require.Eventually(t, func() bool {
		last, _ := h.Heartbeat()
		return last.After(before)
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, m.Poll(time.Now()))
	rec, _ = m.Record(h.ID())
	assert.Equal(t, 0, rec.Misses)
}

func TestStartingWorkersAreNotChecked(t *testing.T) {
	h, _ := spawnQuiet(t, false)
	p := &pool{}
	p.set(h)
	m := New(Config{Threshold: time.Millisecond, MaxMisses: 1}, p.source, nil)

	assert.Empty(t, m.Poll(time.Now().Add(time.Minute)))
	rec, ok := m.Record(h.ID())
	require.True(t, ok)
	assert.Equal(t, worker.Starting, rec.State)
	assert.Equal(t, 0, rec.Misses)
}

func TestRecordsFollowSource(t *testing.T) {
	h1, _ := spawnQuiet(t, true)
	h2, _ := spawnQuiet(t, true)
	p := &pool{}
	p.set(h1, h2)
	m := New(Config{}, p.source, nil)

	m.Poll(time.Now())
	assert.Len(t, m.Records(), 2)

	p.set(h2)
	m.Poll(time.Now())
	recs := m.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, h2.ID(), recs[0].ID)
	_, ok := m.Record(h1.ID())
	assert.False(t, ok)
}

func TestRunDeliversVerdicts(t *testing.T) {
	h, _ := spawnQuiet(t, true)
	p := &pool{}
	p.set(h)
	m := New(Config{Interval: 10 * time.Millisecond, Threshold: time.Millisecond, MaxMisses: 2}, p.source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case v := <-m.Verdicts():
		assert.Equal(t, h.ID(), v.Handle.ID())
		assert.GreaterOrEqual(t, v.Misses, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("no verdict")
	}
	cancel()
	<-done
}
