// Package num64 holds the 64 bit readings meters hand to a sink.
package num64

import "strconv"

// Numeric64 is one meter reading. Counters, gauges and timers all read
// as whole numbers.
type Numeric64 struct {
	value int64
}

func FromInt64(v int64) Numeric64 {
	return Numeric64{value: v}
}

// Int64 returns the reading.
func (n Numeric64) Int64() int64 {
	return n.value
}

// AppendTo appends the decimal representation to buf.
func (n Numeric64) AppendTo(buf []byte) []byte {
	return strconv.AppendInt(buf, n.value, 10)
}
