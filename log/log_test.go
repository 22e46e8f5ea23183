package log_test

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/log/syslog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ExampleNewMinFormatter() {
	h := log.NewMinFormatter(log.SyncWriter(os.Stdout), log.PrefixOpt("PFX:"))
	l := log.NewLogger(syslog.LOG_WARNING, h)
	l.ERROR("fejl")
	l.INFO("not shown")
	// Output:
	// <3>PFX:fejl
}

func ExampleLogger_With() {
	h := log.NewStdFormatter(os.Stdout, "", log.Llevel)
	l := log.NewLogger(syslog.LOG_INFO, h).With("epoch", 2)
	l.NOTICE("worker ready", "id", "w1")
	// Output:
	// <5>worker ready epoch=2 id=w1
}

func TestNamedHierarchy(t *testing.T) {
	var parentOut, rootOut bytes.Buffer

	parent := log.GetLogger("hier")
	parent.SetHandler(log.NewMinFormatter(&parentOut, log.FlagsOpt(log.Llevel|log.Lname)))

	child := log.GetLogger("hier/a/b")
	child.SetLevel(syslog.LOG_DEBUG)
	child.DEBUG("from child")
	assert.Equal(t, "<7>(hier/a/b) from child\n", parentOut.String())

	// A logger created in between adopts the existing child.
	mid := log.GetLogger("hier/a")
	mid.SetHandler(log.NewMinFormatter(&rootOut))
	child.WARN("again")
	assert.Equal(t, "<4>again\n", rootOut.String())
	assert.Equal(t, "<7>(hier/a/b) from child\n", parentOut.String())
}

func TestLevelChanges(t *testing.T) {
	l := log.NewLogger(syslog.LOG_ERROR, log.DiscardHandler())
	assert.False(t, l.Does(syslog.LOG_WARN))
	require.True(t, l.IncLevel())
	assert.True(t, l.Does(syslog.LOG_WARN))
	require.True(t, l.DecLevel())
	assert.Equal(t, syslog.LOG_ERROR, l.Level())

	_, ok := l.DEBUGok()
	assert.False(t, ok)
	f, ok := l.ERRORok()
	assert.True(t, ok)
	assert.NotNil(t, f)

	l.SetLevel(syslog.LOG_DEBUG)
	assert.False(t, l.IncLevel())
}

func TestJSONFormatter(t *testing.T) {
	var out bytes.Buffer
	l := log.NewLogger(syslog.LOG_INFO, log.NewJSONFormatter(&out))
	l.With("k", "v").INFO("hello", "n", 1)
	s := out.String()
	assert.True(t, strings.Contains(s, `"_msg":"hello"`), s)
	assert.True(t, strings.Contains(s, `"k":"v"`), s)
	assert.True(t, strings.Contains(s, `"n":1`), s)
	assert.True(t, strings.Contains(s, `"_lvl":6`), s)
}

func TestOddKV(t *testing.T) {
	var out bytes.Buffer
	l := log.NewLogger(syslog.LOG_INFO, log.NewMinFormatter(&out))
	l.INFO("odd", "lonely")
	assert.Contains(t, out.String(), "LOG_ERROR=")
}

func TestParsePriority(t *testing.T) {
	p, err := syslog.ParsePriority("Warn")
	require.NoError(t, err)
	assert.Equal(t, syslog.LOG_WARNING, p)
	_, err = syslog.ParsePriority("loud")
	assert.Error(t, err)
	assert.Equal(t, "debug", syslog.LOG_DEBUG.String())
}

func TestStdLogger(t *testing.T) {
	var out bytes.Buffer
	l := log.NewLogger(syslog.LOG_INFO, log.NewMinFormatter(&out))
	std := log.NewStdLogger(l, syslog.LOG_ERR)
	std.Printf("http: TLS handshake error from %s", "10.0.0.1:1234")
	assert.Equal(t, "<3>http: TLS handshake error from 10.0.0.1:1234\n", out.String())

	out.Reset()
	log.NewStdLogger(l, syslog.LOG_DEBUG).Print("dropped")
	assert.Empty(t, out.String())
}
