package log

import (
	"io"
	"os"

	"github.com/ieure/tillicum/log/syslog"
)

// The default Logger, which is also the root of the name hierarchy.
var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger(LvlDEFAULT, NewStdFormatter(SyncWriter(os.Stderr), "", LstdFlags|Llevel|Lname))
	man = newManager(defaultLogger)
}

// Default returns the default Logger
func Default() *Logger {
	return defaultLogger
}

// Minimal sets the default Logger to only emit "<level>message" lines,
// which is what you want when stderr goes to the journal.
func Minimal(w io.Writer) {
	defaultLogger.SetHandler(NewMinFormatter(SyncWriter(w), FlagsOpt(Llevel|Lname)))
}

// SetHandler sets the Handler of the default Logger.
func SetHandler(h Handler) {
	defaultLogger.SetHandler(h)
}

// SetLevel sets the level of the default Logger.
// Named Loggers keep the level they were created with.
func SetLevel(level syslog.Priority) {
	defaultLogger.SetLevel(level)
}

// SetLevelAll sets the level of the default Logger and every named Logger.
func SetLevelAll(level syslog.Priority) {
	man.mu.Lock()
	defer man.mu.Unlock()
	defaultLogger.SetLevel(level)
	for _, l := range man.registry {
		l.SetLevel(level)
	}
}

// IncLevelAll increases the level of all Loggers by one.
func IncLevelAll() {
	lvl := defaultLogger.Level()
	if lvl < syslog.LOG_DEBUG {
		SetLevelAll(lvl + 1)
	}
}

// DecLevelAll decreases the level of all Loggers by one.
func DecLevelAll() {
	lvl := defaultLogger.Level()
	if lvl > syslog.LOG_EMERG {
		SetLevelAll(lvl - 1)
	}
}

// With creates a child K/V logger of the default logger
func With(kv ...interface{}) *Logger {
	return defaultLogger.With(kv...)
}

// ERROR logs through the default logger
func ERROR(msg string, kv ...interface{}) { defaultLogger.Log(syslog.LOG_ERROR, msg, kv...) }

// WARN logs through the default logger
func WARN(msg string, kv ...interface{}) { defaultLogger.Log(syslog.LOG_WARN, msg, kv...) }

// NOTICE logs through the default logger
func NOTICE(msg string, kv ...interface{}) { defaultLogger.Log(syslog.LOG_NOTICE, msg, kv...) }

// INFO logs through the default logger
func INFO(msg string, kv ...interface{}) { defaultLogger.Log(syslog.LOG_INFO, msg, kv...) }

// DEBUG logs through the default logger
func DEBUG(msg string, kv ...interface{}) { defaultLogger.Log(syslog.LOG_DEBUG, msg, kv...) }
