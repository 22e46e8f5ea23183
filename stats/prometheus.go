package stats

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exposes counters and gauges as prometheus metrics,
// created on first use. "worker.spawned" becomes "<namespace>_worker_spawned_total".
type PrometheusSink struct {
	reg       prometheus.Registerer
	namespace string

	mu       sync.RWMutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// NewPrometheusSink creates a Sink registering its metrics with reg.
func NewPrometheusSink(reg prometheus.Registerer, namespace string) *PrometheusSink {
	return &PrometheusSink{
		reg:       reg,
		namespace: namespace,
		counters:  make(map[string]prometheus.Counter),
		gauges:    make(map[string]prometheus.Gauge),
	}
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(name)
}

func (p *PrometheusSink) IncrementCounter(name string) {
	p.mu.RLock()
	c, ok := p.counters[name]
	p.mu.RUnlock()
	if !ok {
		c = p.counter(name)
	}
	c.Inc()
}

func (p *PrometheusSink) SetGauge(name string, value int64) {
	p.mu.RLock()
	g, ok := p.gauges[name]
	p.mu.RUnlock()
	if !ok {
		g = p.gauge(name)
	}
	g.Set(float64(value))
}

func (p *PrometheusSink) counter(name string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      metricName(name) + "_total",
		Help:      "Count of " + name + " events.",
	})
	if err := p.reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				c = existing
			}
		}
	}
	p.counters[name] = c
	return c
}

func (p *PrometheusSink) gauge(name string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      metricName(name),
		Help:      "Current " + name + ".",
	})
	if err := p.reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				g = existing
			}
		}
	}
	p.gauges[name] = g
	return g
}
