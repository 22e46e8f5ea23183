// Package zaplog forwards log events to a go.uber.org/zap Logger, for
// applications embedding tillicum which already log through zap.
package zaplog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/log/syslog"
)

type handler struct {
	z *zap.Logger
}

// NewHandler returns a log.Handler writing to z. The logger name becomes the
// zap logger name and K/V data becomes zap fields.
func NewHandler(z *zap.Logger) log.Handler {
	return &handler{z: z}
}

func (h *handler) Log(e log.Event) error {
	z := h.z
	if e.Name != "" {
		z = z.Named(e.Name)
	}
	if ce := z.Check(Level(e.Lvl), e.Msg); ce != nil {
		fields := make([]zap.Field, 0, len(e.Data)/2)
		for i := 0; i+1 < len(e.Data); i += 2 {
			key, ok := e.Data[i].(string)
			if !ok {
				key = fmt.Sprint(e.Data[i])
			}
			if err, ok := e.Data[i+1].(error); ok {
				fields = append(fields, zap.NamedError(key, err))
				continue
			}
			fields = append(fields, zap.Any(key, e.Data[i+1]))
		}
		ce.Write(fields...)
	}
	return nil
}

// Level maps a syslog priority to the closest zap level.
// EMERG, ALERT and CRIT become ErrorLevel. A log call never panics or exits.
func Level(p syslog.Priority) zapcore.Level {
	switch {
	case p <= syslog.LOG_ERR:
		return zapcore.ErrorLevel
	case p == syslog.LOG_WARNING:
		return zapcore.WarnLevel
	case p <= syslog.LOG_INFO:
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}
