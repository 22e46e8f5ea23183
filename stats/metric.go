package stats

import (
	"sync"

	"github.com/ieure/tillicum/metric"
)

// metricSink reports through a metric.Client. Meters are cached after first
// use, so a report is a map lookup plus an atomic operation.
type metricSink struct {
	client   *metric.Client
	counters sync.Map // name -> *metric.Counter
	gauges   sync.Map // name -> *metric.GaugeInt64
}

// NewMetricSink returns a Sink feeding counters and gauges to c,
// which flushes them to its own sink (like statsd) in the background.
func NewMetricSink(c *metric.Client) Sink {
	return &metricSink{client: c}
}

func (s *metricSink) IncrementCounter(name string) {
	if c, ok := s.counters.Load(name); ok {
		c.(*metric.Counter).Inc(1)
		return
	}
	c, _ := s.counters.LoadOrStore(name, s.client.Counter(name))
	c.(*metric.Counter).Inc(1)
}

func (s *metricSink) SetGauge(name string, value int64) {
	if g, ok := s.gauges.Load(name); ok {
		g.(*metric.GaugeInt64).Set(value)
		return
	}
	g, _ := s.gauges.LoadOrStore(name, s.client.Gauge(name))
	g.(*metric.GaugeInt64).Set(value)
}
