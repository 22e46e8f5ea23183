package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// MessageType names the messages of the worker protocol.
type MessageType string

const (
	// worker -> supervisor
	MsgReady     MessageType = "ready"
	MsgHeartbeat MessageType = "heartbeat"

	// supervisor -> worker
	MsgDrain MessageType = "drain"
	MsgStop  MessageType = "stop"
)

// Message is one protocol message.
type Message struct {
	Type MessageType `json:"type"`
	Time time.Time   `json:"time"`
}

// channel carries newline delimited JSON messages over a stream,
// the socketpair between a supervisor and a worker process.
type channel struct {
	wmu sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
	rwc io.ReadWriteCloser
}

func newChannel(rwc io.ReadWriteCloser) *channel {
	return &channel{
		enc: json.NewEncoder(rwc),
		dec: json.NewDecoder(bufio.NewReader(rwc)),
		rwc: rwc,
	}
}

func (c *channel) Send(m Message) error {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(m)
}

// Recv is only called from one go-routine.
func (c *channel) Recv() (Message, error) {
	var m Message
	err := c.dec.Decode(&m)
	return m, err
}

func (c *channel) Close() error {
	return c.rwc.Close()
}
