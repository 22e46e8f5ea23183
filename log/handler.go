package log

import (
	"sync/atomic"

	"github.com/ieure/tillicum/log/syslog"
)

// Handler is the interface needed to be a part of the Handler chain.
//
// Events are sent from a logger down a chain of Handlers. The final Handler
// (which doesn't call other handlers) is called a Formatter. Formatters turn
// the event into something else, like a log line.
type Handler interface {
	Log(e Event) error
}

type handlerFunc func(e Event) error

// HandlerFunc generates a Handler from a function, by calling it when Log is called.
func HandlerFunc(fn func(e Event) error) Handler {
	return handlerFunc(fn)
}

func (h handlerFunc) Log(e Event) error {
	return h(e)
}

// FilterHandler lets a function evaluate whether to discard the Event or pass it on
// to a next Handler
func FilterHandler(fn func(e Event) bool, h Handler) Handler {
	return HandlerFunc(func(e Event) error {
		if fn(e) {
			return h.Log(e)
		}
		return nil
	})
}

// LvlFilterHandler discards events with a level above maxLvl
func LvlFilterHandler(maxLvl syslog.Priority, h Handler) Handler {
	return FilterHandler(func(e Event) bool {
		return e.Lvl <= maxLvl
	}, h)
}

// MultiHandler distributes the event to several Handlers.
// If an error happens the last error is returned.
func MultiHandler(hs ...Handler) Handler {
	return HandlerFunc(func(e Event) error {
		var maybeErr error
		for _, h := range hs {
			if err := h.Log(e); err != nil {
				maybeErr = err
			}
		}
		return maybeErr
	})
}

// DiscardHandler drops everything.
func DiscardHandler() Handler {
	return HandlerFunc(func(Event) error { return nil })
}

//---

type handlerBox struct {
	h Handler
}

// swapper holds the Handler of a Logger and the name based parent to fall
// back to when no Handler is set.
type swapper struct {
	handler atomic.Value // *handlerBox
	parent  atomic.Value // *Logger
}

func newSwapper() *swapper {
	s := &swapper{}
	s.handler.Store(&handlerBox{})
	return s
}

func (s *swapper) SwapHandler(h Handler) {
	s.handler.Store(&handlerBox{h: h})
}

func (s *swapper) SwapParent(p *Logger) (old *Logger) {
	if o := s.parent.Load(); o != nil {
		old = o.(*Logger)
	}
	s.parent.Store(p)
	return
}

func (s *swapper) getParent() *Logger {
	if p := s.parent.Load(); p != nil {
		return p.(*Logger)
	}
	return nil
}

func (s *swapper) Log(e Event) error {
	if b := s.handler.Load().(*handlerBox); b.h != nil {
		return b.h.Log(e)
	}
	if p := s.getParent(); p != nil {
		return p.h.Log(e)
	}
	return nil
}
