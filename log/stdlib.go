package log

import (
	stdlog "log"
	"strings"

	"github.com/ieure/tillicum/log/syslog"
)

// stdlibWriter turns each line written by a standard library logger into
// an event at a fixed level.
type stdlibWriter struct {
	l     *Logger
	level syslog.Priority
}

func (w stdlibWriter) Write(p []byte) (int, error) {
	if err := w.l.Log(w.level, strings.TrimRight(string(p), "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewStdLogger returns a standard library logger writing through l at
// level, for APIs like http.Server.ErrorLog.
func NewStdLogger(l *Logger, level syslog.Priority) *stdlog.Logger {
	return stdlog.New(stdlibWriter{l: l, level: level}, "", 0)
}
