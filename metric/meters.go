package metric

import (
	"sync/atomic"
	"time"

	"github.com/ieure/tillicum/metric/num64"
)

// Counter is reset to zero every time it's flushed, keeping the tally
// on the server side. Several processes can update the same counter.
type Counter struct {
	name string
	val  int64
}

// Name returns the name of the counter
func (c *Counter) Name() string { return c.name }

func (c *Counter) Inc(val int64) { atomic.AddInt64(&c.val, val) }

func (c *Counter) Dec(val int64) { atomic.AddInt64(&c.val, -val) }

func (c *Counter) FlushReading(s Sink) {
	if val := atomic.SwapInt64(&c.val, 0); val != 0 {
		s.RecordNumeric64(MeterCounter, c.name, num64.FromInt64(val))
	}
}

// GaugeInt64 is a client side maintained value, sampled at every flush.
type GaugeInt64 struct {
	name string
	val  int64
}

// Name returns the name of the gauge
func (g *GaugeInt64) Name() string { return g.name }

func (g *GaugeInt64) Set(val int64) { atomic.StoreInt64(&g.val, val) }

func (g *GaugeInt64) Value() int64 { return atomic.LoadInt64(&g.val) }

func (g *GaugeInt64) FlushReading(s Sink) {
	s.RecordNumeric64(MeterGauge, g.name, num64.FromInt64(atomic.LoadInt64(&g.val)))
}

// Timer records durations in milliseconds. Samples are buffered until flushed.
type Timer struct {
	name    string
	samples chan int64
}

// Name returns the name of the timer
func (t *Timer) Name() string { return t.name }

// Sample records d. If the buffer is full the sample is dropped.
func (t *Timer) Sample(d time.Duration) {
	select {
	case t.samples <- d.Milliseconds():
	default:
	}
}

func (t *Timer) FlushReading(s Sink) {
	for {
		select {
		case ms := <-t.samples:
			s.RecordNumeric64(MeterTimer, t.name, num64.FromInt64(ms))
		default:
			return
		}
	}
}
