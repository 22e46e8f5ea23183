package log

import (
	"sync/atomic"

	"github.com/ieure/tillicum/log/syslog"
)

// LvlDEFAULT is the level loggers start out at.
const LvlDEFAULT syslog.Priority = syslog.LOG_INFO

// LogFunc is the type of the function returned by *ok() methods, which will
// log at the level queried about if called.
type LogFunc func(msg string, kv ...interface{})

// Logger does leveled, structured and context logging.
//
// Don't create these your self. Use NewLogger() or GetLogger().
// Once created only the level and the handler can change, both through
// atomic operations. Loggers created by With() share level and handler
// with the Logger they were derived from.
type Logger struct {
	// Optional name placing the Logger in the hierarchy ("tillicum/worker").
	name string

	// level shared by context children
	level *uint32

	// atomically swappable handler, falling back to the name parent
	h *swapper

	// context parent, created by With(). Not the name based parent.
	cparent *Logger

	// K/V attributes common to all events of this Logger
	data []interface{}
}

// NewLogger creates a new unnamed Logger outside of the named Logger hierarchy.
func NewLogger(level syslog.Priority, handler Handler) *Logger {
	l := newLogger("")
	l.SetLevel(level)
	l.h.SwapHandler(handler)
	return l
}

func newLogger(name string) *Logger {
	lvl := uint32(LvlDEFAULT)
	return &Logger{
		name:  name,
		level: &lvl,
		h:     newSwapper(),
	}
}

// Name returns the hierarchy name of the Logger.
func (l *Logger) Name() string {
	return l.name
}

// SetHandler atomically swaps in a different Handler.
// A named Logger without a Handler logs through its parent.
func (l *Logger) SetHandler(h Handler) {
	l.h.SwapHandler(h)
}

// With ties a sub-context to the Logger.
func (l *Logger) With(kv ...interface{}) *Logger {
	d := normalize(kv)
	return &Logger{
		name:  l.name,
		level: l.level,
		h:     l.h,
		// Limit capacity so appending in a child never races with a sibling
		data:    d[:len(d):len(d)],
		cparent: l,
	}
}

// Log will generate an event with this level if the Logger log level is
// high enough.
func (l *Logger) Log(level syslog.Priority, msg string, kv ...interface{}) (err error) {
	if l.Does(level) {
		err = l.log(level, msg, kv...)
	}
	return
}

func (l *Logger) log(level syslog.Priority, msg string, kv ...interface{}) error {
	return l.h.Log(l.newEvent(level, msg, normalize(kv)))
}

// Does returns whether the Logger would generate an event at this level.
func (l *Logger) Does(level syslog.Priority) bool {
	return level <= l.Level()
}

// Level returns the current log level.
func (l *Logger) Level() syslog.Priority {
	return syslog.Priority(atomic.LoadUint32(l.level))
}

// SetLevel sets the Logger log level.
func (l *Logger) SetLevel(level syslog.Priority) {
	if level > syslog.LOG_DEBUG {
		level = syslog.LOG_DEBUG
	}
	if level < syslog.LOG_EMERG {
		level = syslog.LOG_EMERG
	}
	atomic.StoreUint32(l.level, uint32(level))
}

// IncLevel tries to increase the log level. It returns whether it changed.
func (l *Logger) IncLevel() bool {
	c := atomic.LoadUint32(l.level)
	if c >= uint32(syslog.LOG_DEBUG) {
		return false
	}
	return atomic.CompareAndSwapUint32(l.level, c, c+1)
}

// DecLevel tries to decrease the log level. It returns whether it changed.
func (l *Logger) DecLevel() bool {
	c := atomic.LoadUint32(l.level)
	if c == uint32(syslog.LOG_EMERG) {
		return false
	}
	return atomic.CompareAndSwapUint32(l.level, c, c-1)
}

// ALERT logs at syslog.LOG_ALERT
func (l *Logger) ALERT(msg string, kv ...interface{}) { l.Log(syslog.LOG_ALERT, msg, kv...) }

// CRIT logs at syslog.LOG_CRIT
func (l *Logger) CRIT(msg string, kv ...interface{}) { l.Log(syslog.LOG_CRIT, msg, kv...) }

// ERROR logs at syslog.LOG_ERR
func (l *Logger) ERROR(msg string, kv ...interface{}) { l.Log(syslog.LOG_ERROR, msg, kv...) }

// WARN logs at syslog.LOG_WARNING
func (l *Logger) WARN(msg string, kv ...interface{}) { l.Log(syslog.LOG_WARN, msg, kv...) }

// NOTICE logs at syslog.LOG_NOTICE
func (l *Logger) NOTICE(msg string, kv ...interface{}) { l.Log(syslog.LOG_NOTICE, msg, kv...) }

// INFO logs at syslog.LOG_INFO
func (l *Logger) INFO(msg string, kv ...interface{}) { l.Log(syslog.LOG_INFO, msg, kv...) }

// DEBUG logs at syslog.LOG_DEBUG
func (l *Logger) DEBUG(msg string, kv ...interface{}) { l.Log(syslog.LOG_DEBUG, msg, kv...) }

func (l *Logger) levelFunc(level syslog.Priority) LogFunc {
	return func(msg string, kv ...interface{}) {
		l.log(level, msg, kv...)
	}
}

// ERRORok returns a function logging at syslog.LOG_ERR and whether the Logger
// currently does that level.
func (l *Logger) ERRORok() (LogFunc, bool) {
	return l.levelFunc(syslog.LOG_ERROR), l.Does(syslog.LOG_ERROR)
}

// WARNok - see ERRORok
func (l *Logger) WARNok() (LogFunc, bool) {
	return l.levelFunc(syslog.LOG_WARN), l.Does(syslog.LOG_WARN)
}

// INFOok - see ERRORok
func (l *Logger) INFOok() (LogFunc, bool) {
	return l.levelFunc(syslog.LOG_INFO), l.Does(syslog.LOG_INFO)
}

// DEBUGok - see ERRORok
func (l *Logger) DEBUGok() (LogFunc, bool) {
	return l.levelFunc(syslog.LOG_DEBUG), l.Does(syslog.LOG_DEBUG)
}
