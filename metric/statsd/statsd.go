// Package statsd implements a metric.Sink writing the statsd line protocol.
package statsd

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/ieure/tillicum/metric"
	"github.com/ieure/tillicum/metric/num64"
)

// DefaultBuffer is a datagram size which is safe on most networks.
const DefaultBuffer = 1432

type Option func(*Factory) error

// Factory creates statsd Sinks. It implements metric.SinkFactory.
type Factory struct {
	out    io.Writer
	max    int
	prefix string
}

type sink struct {
	out    io.Writer
	max    int
	prefix string
	buf    []byte
}

// Buffer sets the size of the writes done to the underlying io.Writer (often an UDPConn).
func Buffer(size int) Option {
	return func(f *Factory) error {
		f.max = size
		return nil
	}
}

// Prefix is prepended with "prefix." to all metric names
func Prefix(pfx string) Option {
	return func(f *Factory) error {
		if pfx != "" {
			f.prefix = pfx + "."
		}
		return nil
	}
}

// Peer is the address of the statsd UDP server
func Peer(addr string) Option {
	return func(f *Factory) error {
		conn, err := net.DialTimeout("udp", addr, time.Second)
		if err != nil {
			return err
		}
		f.out = conn
		return nil
	}
}

// Output sets a general io.Writer as output instead of a UDPConn.
func Output(w io.Writer) Option {
	return func(f *Factory) error {
		f.out = w
		return nil
	}
}

// New creates a Factory. Without Peer or Output, lines go to stdout.
func New(opts ...Option) (*Factory, error) {
	f := &Factory{out: os.Stdout, max: DefaultBuffer}
	for _, o := range opts {
		if err := o(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Sink implements metric.SinkFactory
func (f *Factory) Sink() metric.Sink {
	return &sink{out: f.out, max: f.max, prefix: f.prefix, buf: make([]byte, 0, f.max+64)}
}

func (s *sink) RecordNumeric64(mtype int, name string, value num64.Numeric64) {
	safe := len(s.buf)
	s.buf = append(s.buf, s.prefix...)
	s.buf = append(s.buf, name...)
	s.buf = append(s.buf, ':')
	s.buf = value.AppendTo(s.buf)
	s.buf = append(s.buf, '|')
	switch mtype {
	case metric.MeterGauge:
		s.buf = append(s.buf, 'g')
	case metric.MeterCounter:
		s.buf = append(s.buf, 'c')
	case metric.MeterTimer:
		s.buf = append(s.buf, "ms"...)
	}
	s.buf = append(s.buf, '\n')
	if len(s.buf) > s.max && safe > 0 {
		s.flush(safe)
	}
}

func (s *sink) Flush() {
	s.flush(len(s.buf))
}

// write out the first n bytes, which end in a newline
func (s *sink) flush(n int) {
	if n == 0 {
		return
	}
	// statsd does not want the trailing newline
	s.out.Write(s.buf[:n-1])
	copy(s.buf, s.buf[n:])
	s.buf = s.buf[:len(s.buf)-n]
}
