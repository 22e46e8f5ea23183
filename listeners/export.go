package listeners

import (
	"errors"
	"fmt"
	"net"
	"os"

	"go.uber.org/multierr"

	"github.com/ieure/tillicum/sd"
)

// Descriptor is an exported, duplicated socket descriptor.
// Closing it never affects the Set it came from.
type Descriptor struct {
	Spec
	File *os.File
}

// Export returns a fresh duplicate of every listener descriptor, in set
// order. The caller owns and must close them, see CloseAll.
func (s *Set) Export() ([]Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ds := make([]Descriptor, 0, len(s.entries))
	for _, e := range s.entries {
		f, err := sd.DupFile(e.file)
		if err != nil {
			CloseAll(ds)
			return nil, err
		}
		spec := e.spec
		spec.Name = spec.name()
		ds = append(ds, Descriptor{Spec: spec, File: f})
	}
	return ds, nil
}

// RestoreNonblock puts the master descriptors back into non-blocking mode
// after they have been passed to a child process.
func (s *Set) RestoreNonblock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	for _, e := range s.entries {
		errs = multierr.Append(errs, sd.SetNonblock(e.file))
	}
	return errs
}

// Names returns the descriptor names, for LISTEN_FDNAMES.
func Names(ds []Descriptor) []string {
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name
	}
	return names
}

// Files returns the descriptor files.
func Files(ds []Descriptor) []*os.File {
	files := make([]*os.File, len(ds))
	for i, d := range ds {
		files[i] = d.File
	}
	return files
}

// CloseAll closes the files of all descriptors.
func CloseAll(ds []Descriptor) error {
	var errs error
	for _, d := range ds {
		if d.File != nil {
			errs = multierr.Append(errs, d.File.Close())
		}
	}
	return errs
}

// Imported holds the listeners and packet conns a worker serves on.
type Imported struct {
	Listeners   []net.Listener
	PacketConns []net.PacketConn
	names       map[string]interface{}
}

// Listener returns the stream listener with the given name, or nil.
func (im *Imported) Listener(name string) net.Listener {
	l, _ := im.names[name].(net.Listener)
	return l
}

// PacketConn returns the datagram socket with the given name, or nil.
func (im *Imported) PacketConn(name string) net.PacketConn {
	c, _ := im.names[name].(net.PacketConn)
	return c
}

// Close closes all imported sockets. The master sockets of the Set stay bound.
func (im *Imported) Close() error {
	var errs error
	for _, l := range im.Listeners {
		errs = multierr.Append(errs, ignoreClosed(l.Close()))
	}
	for _, c := range im.PacketConns {
		errs = multierr.Append(errs, ignoreClosed(c.Close()))
	}
	return errs
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (im *Imported) add(name string, v interface{}) {
	if im.names == nil {
		im.names = make(map[string]interface{})
	}
	im.names[name] = v
	switch x := v.(type) {
	case net.Listener:
		im.Listeners = append(im.Listeners, x)
	case net.PacketConn:
		im.PacketConns = append(im.PacketConns, x)
	}
}

// Import turns exported descriptors into listeners and packet conns.
// The descriptor files are consumed and closed.
func Import(ds []Descriptor) (*Imported, error) {
	im := &Imported{}
	defer CloseAll(ds)
	for _, d := range ds {
		if d.Packet() {
			c, err := net.FilePacketConn(d.File)
			if err != nil {
				im.Close()
				return nil, fmt.Errorf("import %s: %w", d.Name, err)
			}
			im.add(d.Name, c)
			continue
		}
		l, err := net.FileListener(d.File)
		if err != nil {
			im.Close()
			return nil, fmt.Errorf("import %s: %w", d.Name, err)
		}
		im.add(d.Name, l)
	}
	return im, nil
}

// ImportInherited builds the Imported set from descriptors passed in
// LISTEN_FDS, as done in a worker process.
func ImportInherited() (*Imported, error) {
	count, names, err := sd.ListenFdsWithNames()
	if err != nil {
		return nil, err
	}
	im := &Imported{}
	for i := 0; i < count; i++ {
		var name string
		if i < len(names) {
			name = names[i]
		}
		if l, _, err := sd.InheritListener(name, sd.IsSocket(0, 1)); err != nil {
			im.Close()
			return nil, err
		} else if l != nil {
			im.add(name, l)
			continue
		}
		c, _, err := sd.InheritPacketConn(name, sd.IsSocket(0, -1))
		if err != nil {
			im.Close()
			return nil, err
		}
		if c != nil {
			im.add(name, c)
		}
	}
	return im, nil
}
