package worker

import (
	"net"
	"sync/atomic"
	"time"
)

// idleListener hands accepted connections to a reaper which closes the
// ones without I/O for the idle timeout.
type idleListener struct {
	net.Listener
	add  chan *idleConn
	done <-chan struct{}
}

func newIdleListener(l net.Listener, timeout time.Duration, done <-chan struct{}) net.Listener {
	interval := timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	maxMiss := int(timeout / interval)
	if maxMiss < 1 {
		maxMiss = 1
	}
	il := &idleListener{Listener: l, add: make(chan *idleConn), done: done}
	go reap(il.add, interval, maxMiss, done)
	return il
}

func (l *idleListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	ic := &idleConn{Conn: c}
	select {
	case l.add <- ic:
	case <-l.done:
	}
	return ic, nil
}

// reap closes connections which showed no activity for maxMiss ticks in a row.
func reap(add <-chan *idleConn, interval time.Duration, maxMiss int, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	var conns []*idleConn
	for {
		select {
		case c := <-add:
			conns = append(conns, c)
		case <-t.C:
			live := conns[:0]
			for _, c := range conns {
				if c.idle(maxMiss) && c.tryClose() {
					continue
				}
				live = append(live, c)
			}
			for i := len(live); i < len(conns); i++ {
				conns[i] = nil
			}
			conns = live
		case <-done:
			return
		}
	}
}

// idleConn counts successful I/O calls. The low bit of active is set once
// the connection is closed. The rest is only touched by the reaper.
type idleConn struct {
	net.Conn
	active uint64

	seen   uint64
	misses int
}

func (c *idleConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		atomic.AddUint64(&c.active, 2)
	}
	return n, err
}

func (c *idleConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		atomic.AddUint64(&c.active, 2)
	}
	return n, err
}

func (c *idleConn) Close() error {
	for {
		a := atomic.LoadUint64(&c.active)
		if atomic.CompareAndSwapUint64(&c.active, a, a|1) {
			return c.Conn.Close()
		}
	}
}

// idle reports whether c is closed or has been idle for maxMiss checks.
func (c *idleConn) idle(maxMiss int) bool {
	a := atomic.LoadUint64(&c.active)
	if a&1 != 0 {
		return true
	}
	if a != c.seen {
		c.seen = a
		c.misses = 0
		return false
	}
	c.misses++
	return c.misses >= maxMiss
}

// tryClose closes c unless it's already closed. Either way it's gone.
func (c *idleConn) tryClose() bool {
	a := atomic.LoadUint64(&c.active)
	if a&1 != 0 {
		return true
	}
	if atomic.CompareAndSwapUint64(&c.active, a, a|1) {
		c.Conn.Close()
		return true
	}
	return false
}
