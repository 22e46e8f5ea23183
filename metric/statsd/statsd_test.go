package statsd_test

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ieure/tillicum/metric"
	"github.com/ieure/tillicum/metric/statsd"
)

func ExampleNew() {
	sink, err := statsd.New(
		statsd.Buffer(512),
		statsd.Output(os.Stdout),
		statsd.Prefix("prefix"))
	if err != nil {
		panic(err)
	}

	c := metric.NewClient(sink, metric.FlushInterval(time.Hour))

	c.Gauge("workers.ready").Set(2)
	c.Counter("worker.spawned").Inc(2)
	c.Counter("worker.spawned").Inc(1)
	c.Timer("restart").Sample(1500 * time.Millisecond)

	c.Stop()
	// Output:
	// prefix.workers.ready:2|g
	// prefix.worker.spawned:3|c
	// prefix.restart:1500|ms
}

type writes struct {
	packets []string
}

func (w *writes) Write(b []byte) (int, error) {
	w.packets = append(w.packets, string(b))
	return len(b), nil
}

func TestBufferSplitsPackets(t *testing.T) {
	w := &writes{}
	f, err := statsd.New(statsd.Buffer(20), statsd.Output(w))
	require.NoError(t, err)

	c := metric.NewClient(f, metric.FlushInterval(time.Hour))
	defer c.Stop()
	c.Counter("aaaaaaaaaa").Inc(1)
	c.Counter("bbbbbbbbbb").Inc(1)
	c.Flush()

	assert.Equal(t, []string{"aaaaaaaaaa:1|c", "bbbbbbbbbb:1|c"}, w.packets)
}

func TestCounterResetOnFlush(t *testing.T) {
	var out bytes.Buffer
	f, err := statsd.New(statsd.Output(&out))
	require.NoError(t, err)

	c := metric.NewClient(f, metric.FlushInterval(time.Hour))
	defer c.Stop()
	c.Counter("x").Inc(4)
	c.Flush()
	c.Flush()
	assert.Equal(t, "x:4|c", out.String())
}
