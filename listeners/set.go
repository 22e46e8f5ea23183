// Package listeners owns the network sockets a supervisor binds once and
// shares with every generation of workers.
package listeners

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/sd"
)

var (
	// ErrInUse is returned by Close while workers still reference the set.
	ErrInUse = errors.New("listener set still in use")
	// ErrClosed is returned by operations on a closed set.
	ErrClosed = errors.New("listener set closed")
)

// BindError is the combined failure of Bind. None of the listeners stay open.
type BindError struct {
	Errors []error
}

func (e *BindError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return "bind: " + strings.Join(msgs, "; ")
}

// Unwrap makes errors.Is/As look at the individual failures.
func (e *BindError) Unwrap() []error {
	return e.Errors
}

// Spec describes a listener to bind.
type Spec struct {
	// Name is passed to workers in LISTEN_FDNAMES. Defaults to Addr.
	Name string `mapstructure:"name" json:"name"`
	// Net is tcp, tcp4, tcp6, unix, unixpacket, udp, udp4, udp6 or unixgram.
	Net  string `mapstructure:"net" json:"net"`
	Addr string `mapstructure:"addr" json:"addr"`
}

func (s Spec) key() string {
	return s.Net + "/" + s.Addr
}

func (s Spec) name() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Addr
}

// Packet tells whether the spec is a datagram socket.
func (s Spec) Packet() bool {
	switch s.Net {
	case "udp", "udp4", "udp6", "unixgram":
		return true
	}
	return false
}

type entry struct {
	spec Spec
	addr net.Addr
	// the master descriptor. Never accepted on.
	file *os.File
	// inherited sockets belong to systemd, including their paths
	inherited bool
}

// close closes the descriptor and removes the socket path of unix
// sockets bound here. Abstract sockets have no path.
func (e *entry) close() error {
	err := e.file.Close()
	switch e.spec.Net {
	case "unix", "unixpacket", "unixgram":
		if !e.inherited && e.spec.Addr != "" && e.spec.Addr[0] != '@' {
			if rerr := os.Remove(e.spec.Addr); rerr != nil && !os.IsNotExist(rerr) {
				err = multierr.Append(err, rerr)
			}
		}
	}
	return err
}

// Set is an ordered set of bound listeners, unique by address.
// The sockets stay bound until Close, which is refused while any
// worker holds a reference.
type Set struct {
	mu      sync.Mutex
	entries []*entry
	refs    int
	closed  bool
}

var logger = log.GetLogger("tillicum/listeners")

// Bind opens and binds all specs, preferring matching sockets inherited
// from systemd. It is all-or-nothing: on any failure every socket opened so
// far is closed and a *BindError with all failures is returned.
func Bind(specs []Spec) (*Set, error) {
	var errs error
	seen := make(map[string]bool, len(specs))
	named := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if seen[spec.key()] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate listener %s %s", spec.Net, spec.Addr))
		}
		seen[spec.key()] = true
		if spec.Name == "" {
			continue
		}
		if named[spec.Name] {
			errs = multierr.Append(errs, fmt.Errorf("duplicate listener name %q", spec.Name))
		}
		named[spec.Name] = true
	}
	if errs != nil {
		return nil, &BindError{Errors: multierr.Errors(errs)}
	}

	s := &Set{}
	for _, spec := range specs {
		e, err := bindOne(spec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s.entries = append(s.entries, e)
		logger.INFO("Bound listener", "name", spec.name(), "net", spec.Net, "addr", e.addr)
	}
	if errs != nil {
		for _, e := range s.entries {
			if err := e.close(); err != nil {
				logger.WARN("Failed to release listener", "addr", e.spec.Addr, "err", err)
			}
		}
		return nil, &BindError{Errors: multierr.Errors(errs)}
	}
	return s, nil
}

func bindOne(spec Spec) (*entry, error) {
	if spec.Packet() {
		return bindPacket(spec)
	}
	return bindStream(spec)
}

func bindStream(spec Spec) (*entry, error) {
	var test sd.FileTest
	switch spec.Net {
	case "tcp", "tcp4", "tcp6":
		addr, err := net.ResolveTCPAddr(spec.Net, spec.Addr)
		if err != nil {
			return nil, &net.OpError{Op: "listen", Net: spec.Net, Err: err}
		}
		if addr.Port != 0 {
			test = sd.IsTCPListener(addr)
		}
	case "unix", "unixpacket":
		test = sd.IsUNIXListener(spec.Net, &net.UnixAddr{Name: spec.Addr, Net: spec.Net})
	default:
		return nil, &net.OpError{Op: "listen", Net: spec.Net, Err: net.UnknownNetworkError(spec.Net)}
	}

	var l net.Listener
	var err error
	if test != nil {
		l, _, err = sd.InheritListener("", test)
		if err != nil {
			return nil, err
		}
	}
	inherited := l != nil
	if l == nil {
		if l, err = net.Listen(spec.Net, spec.Addr); err != nil {
			return nil, err
		}
	} else {
		logger.NOTICE("Inherited listener", "net", spec.Net, "addr", spec.Addr)
	}
	if ul, ok := l.(*net.UnixListener); ok {
		// the path must outlive any single generation of workers
		ul.SetUnlinkOnClose(false)
	}
	f, err := l.(interface{ File() (*os.File, error) }).File()
	addr := l.Addr()
	l.Close()
	if err != nil {
		return nil, err
	}
	return &entry{spec: spec, addr: addr, file: f, inherited: inherited}, nil
}

func bindPacket(spec Spec) (*entry, error) {
	var test sd.FileTest
	switch spec.Net {
	case "udp", "udp4", "udp6":
		addr, err := net.ResolveUDPAddr(spec.Net, spec.Addr)
		if err != nil {
			return nil, &net.OpError{Op: "listen", Net: spec.Net, Err: err}
		}
		if addr.Port != 0 {
			test = sd.IsUDPListener(addr)
		}
	case "unixgram":
		test = sd.IsUNIXListener(spec.Net, &net.UnixAddr{Name: spec.Addr, Net: spec.Net})
	}

	var c net.PacketConn
	var err error
	if test != nil {
		if c, _, err = sd.InheritPacketConn("", test); err != nil {
			return nil, err
		}
	}
	inherited := c != nil
	if c == nil {
		if c, err = net.ListenPacket(spec.Net, spec.Addr); err != nil {
			return nil, err
		}
	}
	f, err := c.(interface{ File() (*os.File, error) }).File()
	addr := c.LocalAddr()
	c.Close()
	if err != nil {
		return nil, err
	}
	return &entry{spec: spec, addr: addr, file: f, inherited: inherited}, nil
}

// Len returns the number of listeners.
func (s *Set) Len() int {
	return len(s.entries)
}

// Specs returns the specs of the set, in order.
func (s *Set) Specs() []Spec {
	specs := make([]Spec, len(s.entries))
	for i, e := range s.entries {
		specs[i] = e.spec
	}
	return specs
}

// Addrs returns the bound addresses, in order. Useful when binding port 0.
func (s *Set) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(s.entries))
	for i, e := range s.entries {
		addrs[i] = e.addr
	}
	return addrs
}

// Acquire records a reference from a worker.
func (s *Set) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.refs++
	return nil
}

// Release drops a reference taken by Acquire.
func (s *Set) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
}

// Refs returns the number of worker references.
func (s *Set) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Close closes all listeners. It fails with ErrInUse while referenced.
// Closing a closed set does nothing.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.refs > 0 {
		return fmt.Errorf("%w: %d references", ErrInUse, s.refs)
	}
	s.closed = true
	var errs error
	for _, e := range s.entries {
		errs = multierr.Append(errs, e.close())
	}
	logger.INFO("Closed listeners", "count", len(s.entries))
	return errs
}
