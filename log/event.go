package log

import (
	"time"

	"github.com/ieure/tillicum/log/syslog"
)

// Event is the basic log event type.
// Handlers passed an Event "e" can access e.Lvl, e.Msg, e.Data, e.Name and e.Time.
// Do not modify an Event. It may be shared by several Handlers.
type Event struct {
	Lvl  syslog.Priority // Level this event was logged at.
	Msg  string          // Basic log message.
	Data []interface{}   // Structured key/value data, context first.
	Name string          // Name of the logger generating this event.
	Time time.Time
}

// EventKeyNames holds keynames for fixed event fields, when needed (such as in JSON)
type EventKeyNames struct {
	Lvl  string
	Name string
	Time string
	Msg  string
}

var defaultKeyNames = &EventKeyNames{
	Lvl:  "_lvl",
	Name: "_name",
	Time: "_ts",
	Msg:  "_msg",
}

// The primary event constructor.
// KV data is gathered from any context parents, outermost first.
func (l *Logger) newEvent(level syslog.Priority, msg string, data []interface{}) Event {
	e := Event{Lvl: level, Msg: msg, Name: l.name, Time: time.Now()}

	if l.cparent == nil && l.data == nil {
		e.Data = data
		return e
	}

	var chain []*Logger
	n := len(data)
	for c := l; c != nil; c = c.cparent {
		chain = append(chain, c)
		n += len(c.data)
	}
	all := make([]interface{}, 0, n)
	for i := len(chain) - 1; i >= 0; i-- {
		all = append(all, chain[i].data...)
	}
	e.Data = append(all, data...)
	return e
}
