package log

import (
	"strings"
	"sync"
)

// Loggers are looked up by slash separated names ("tillicum/worker").
// A named Logger without its own Handler logs through the nearest named
// ancestor which exists, and finally through the default Logger.

type manager struct {
	mu       sync.Mutex
	root     *Logger
	registry map[string]*Logger
}

var man *manager

func newManager(root *Logger) *manager {
	return &manager{root: root, registry: make(map[string]*Logger)}
}

// GetLogger creates a new Logger or returns an already existing with the given name.
// New Loggers start out at the level of their parent.
func GetLogger(name string) *Logger {
	return man.getLogger(name)
}

func (m *manager) getLogger(name string) *Logger {
	if name == "" {
		return m.root
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.registry[name]; ok {
		return l
	}
	l := newLogger(name)
	parent := m.nearestAncestor(name)
	l.SetLevel(parent.Level())
	l.h.SwapParent(parent)
	m.registry[name] = l

	// adopt existing descendants which had a parent above us
	prefix := name + "/"
	for n, c := range m.registry {
		if !strings.HasPrefix(n, prefix) {
			continue
		}
		cp := c.h.getParent()
		if cp == nil || cp == m.root || len(cp.name) < len(name) {
			c.h.SwapParent(l)
		}
	}
	return l
}

// must be called under lock
func (m *manager) nearestAncestor(name string) *Logger {
	for i := strings.LastIndexByte(name, '/'); i > 0; i = strings.LastIndexByte(name, '/') {
		name = name[:i]
		if l, ok := m.registry[name]; ok {
			return l
		}
	}
	return m.root
}
