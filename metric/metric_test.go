package metric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ieure/tillicum/metric/num64"
)

type recorded struct {
	mtype int
	name  string
	value int64
}

type recSink struct {
	got     []recorded
	flushes int
}

func (r *recSink) RecordNumeric64(mtype int, name string, v num64.Numeric64) {
	r.got = append(r.got, recorded{mtype, name, v.Int64()})
}
func (r *recSink) Flush()      { r.flushes++ }
func (r *recSink) Sink() Sink { return r }

func TestClientGetOrCreate(t *testing.T) {
	s := &recSink{}
	c := NewClient(s, FlushInterval(time.Hour))
	defer c.Stop()

	assert.Same(t, c.Counter("a"), c.Counter("a"))
	assert.Panics(t, func() { c.Gauge("a") })

	c.Counter("a").Inc(3)
	c.Counter("a").Dec(1)
	c.Gauge("g").Set(-7)
	c.Flush()

	assert.Equal(t, []recorded{{MeterCounter, "a", 2}, {MeterGauge, "g", -7}}, s.got)
	assert.Equal(t, int64(-7), c.Gauge("g").Value())
}

func TestStopFlushes(t *testing.T) {
	s := &recSink{}
	c := NewClient(s, FlushInterval(time.Hour))
	c.Counter("n").Inc(1)
	c.Stop()
	c.Stop()
	assert.Equal(t, []recorded{{MeterCounter, "n", 1}}, s.got)
	assert.Equal(t, 1, s.flushes)
}
