package procstat

import (
	"os"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ieure/tillicum/stats"
)

func TestSampleSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs /proc")
	}
	mem := stats.NewMemory()
	s := &Sampler{Stats: mem, Pids: func() []int { return []int{os.Getpid()} }}
	require.NoError(t, s.Sample())

	_, ok := mem.Gauge(GaugeLoad1)
	assert.True(t, ok)
	avail, ok := mem.Gauge(GaugeMemAvailable)
	assert.True(t, ok)
	assert.Greater(t, avail, int64(0))
	rss, ok := mem.Gauge(WorkerRSS(0))
	assert.True(t, ok)
	assert.Greater(t, rss, int64(0))
}

func TestGoneWorkersZeroed(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs /proc")
	}
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	gone := cmd.Process.Pid

	mem := stats.NewMemory()
	pids := []int{os.Getpid(), os.Getpid()}
	s := &Sampler{Stats: mem, Pids: func() []int { return pids }}
	require.NoError(t, s.Sample())
	rss, _ := mem.Gauge(WorkerRSS(1))
	assert.Greater(t, rss, int64(0))

	pids = []int{gone}
	assert.Error(t, s.Sample())
	rss, _ = mem.Gauge(WorkerRSS(0))
	assert.Equal(t, int64(0), rss)
	rss, _ = mem.Gauge(WorkerRSS(1))
	assert.Equal(t, int64(0), rss)
}

func TestWorkerRSSName(t *testing.T) {
	assert.Equal(t, "worker.3.rss_kb", WorkerRSS(3))
}
