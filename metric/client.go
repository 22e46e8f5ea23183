package metric

import (
	"sync"
	"time"
)

// DefaultFlushInterval is used by clients created without FlushInterval.
const DefaultFlushInterval = 10 * time.Second

const timerBuffer = 256

// MOption configures a Client.
type MOption func(*Client)

// FlushInterval sets how often the Client flushes meters to its Sink.
func FlushInterval(d time.Duration) MOption {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// Client owns a set of Meters and flushes them to a Sink.
type Client struct {
	mu       sync.Mutex
	meters   []Meter
	byName   map[string]Meter
	sink     Sink
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewClient creates and starts a Client. If sinkf is nil readings are discarded.
func NewClient(sinkf SinkFactory, opts ...MOption) *Client {
	c := &Client{
		byName:   make(map[string]Meter),
		sink:     nilSink{},
		interval: DefaultFlushInterval,
	}
	if sinkf != nil {
		c.sink = sinkf.Sink()
	}
	for _, o := range opts {
		o(c)
	}
	c.Start()
	return c
}

// Start the flushing go-routine if not running.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stop, c.done, c.interval)
}

// Stop flushing. A final flush is done before Stop returns.
func (c *Client) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *Client) run(stop, done chan struct{}, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			c.Flush()
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

// Flush all meter readings and the Sink.
func (c *Client) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.meters {
		m.FlushReading(c.sink)
	}
	c.sink.Flush()
}

// Register adds a Meter. Registering a name twice keeps the first Meter.
func (c *Client) Register(m Meter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.register(m)
}

func (c *Client) register(m Meter) Meter {
	if old, ok := c.byName[m.Name()]; ok {
		return old
	}
	c.byName[m.Name()] = m
	c.meters = append(c.meters, m)
	return m
}

// Counter returns the Counter with the given name, creating it if needed.
// It panics if the name is registered as another meter type.
func (c *Client) Counter(name string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.register(&Counter{name: name}).(*Counter)
}

// Gauge returns the GaugeInt64 with the given name, creating it if needed.
func (c *Client) Gauge(name string) *GaugeInt64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.register(&GaugeInt64{name: name}).(*GaugeInt64)
}

// Timer returns the Timer with the given name, creating it if needed.
func (c *Client) Timer(name string) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.register(&Timer{name: name, samples: make(chan int64, timerBuffer)}).(*Timer)
}
