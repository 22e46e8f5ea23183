package zaplog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/log/syslog"
)

func TestForwardsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := log.NewLogger(syslog.LOG_DEBUG, NewHandler(zap.New(core)))

	l.With("epoch", 4).WARN("drain timeout", "id", "w1", "err", errors.New("boom"))

	entries := logs.All()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, zapcore.WarnLevel, e.Level)
	assert.Equal(t, "drain timeout", e.Message)
	ctx := e.ContextMap()
	assert.EqualValues(t, 4, ctx["epoch"])
	assert.Equal(t, "w1", ctx["id"])
	assert.Equal(t, "boom", ctx["err"])
}

func TestLevelMapping(t *testing.T) {
	assert.Equal(t, zapcore.ErrorLevel, Level(syslog.LOG_CRIT))
	assert.Equal(t, zapcore.InfoLevel, Level(syslog.LOG_NOTICE))
	assert.Equal(t, zapcore.DebugLevel, Level(syslog.LOG_DEBUG))
}
