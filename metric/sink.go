package metric

import "github.com/ieure/tillicum/metric/num64"

// Meter types
const (
	MeterGauge = iota
	MeterCounter
	MeterTimer
)

// Sink receives meter readings. The Client calls a Sink from one go-routine
// at a time, so it can keep buffers without locking.
type Sink interface {
	RecordNumeric64(mtype int, name string, value num64.Numeric64)
	Flush()
}

// SinkFactory creates the Sink a Client writes to.
type SinkFactory interface {
	Sink() Sink
}

// Meter is a named metric which can report its reading to a Sink.
type Meter interface {
	Name() string
	FlushReading(Sink)
}

type nilSink struct{}

func (nilSink) RecordNumeric64(int, string, num64.Numeric64) {}
func (nilSink) Flush()                                     {}
