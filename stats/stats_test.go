package stats

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ieure/tillicum/metric"
	"github.com/ieure/tillicum/metric/statsd"
)

func TestMultiAndMemory(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	s := Multi(a, nil, b)
	s.IncrementCounter(WorkerSpawned)
	s.IncrementCounter(WorkerSpawned)
	s.SetGauge(GaugeEpoch, 3)

	for _, m := range []*Memory{a, b} {
		assert.Equal(t, int64(2), m.Counter(WorkerSpawned))
		v, ok := m.Gauge(GaugeEpoch)
		assert.True(t, ok)
		assert.Equal(t, int64(3), v)
	}
	assert.Equal(t, []string{WorkerSpawned}, a.Names())
	assert.Equal(t, Nop, Multi())
	assert.Same(t, a, Multi(a).(*Memory))
}

func TestMetricSink(t *testing.T) {
	var out bytes.Buffer
	f, err := statsd.New(statsd.Output(&out), statsd.Prefix("tillicum"))
	require.NoError(t, err)
	c := metric.NewClient(f, metric.FlushInterval(time.Hour))

	s := NewMetricSink(c)
	s.IncrementCounter(RestartStart)
	s.IncrementCounter(RestartStart)
	s.SetGauge(GaugeReady, 2)
	c.Stop()

	assert.Equal(t, "tillicum.restart.start:2|c\ntillicum.workers.ready:2|g", out.String())
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg, "tillicum")
	s.IncrementCounter(WorkerCrashed)
	s.IncrementCounter(WorkerCrashed)
	s.SetGauge(GaugeReady, 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.counters[WorkerCrashed]))
	assert.Equal(t, 4.0, testutil.ToFloat64(s.gauges[GaugeReady]))

	// A second sink on the same registry shares the collectors.
	s2 := NewPrometheusSink(reg, "tillicum")
	s2.IncrementCounter(WorkerCrashed)
	assert.Equal(t, 3.0, testutil.ToFloat64(s.counters[WorkerCrashed]))

	n, err := testutil.GatherAndCount(reg, "tillicum_worker_crashed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
