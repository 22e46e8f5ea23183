package log

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// Flags for the std formatter. Same meaning as in the standard library,
// plus Llevel and Lname.
const (
	Ldate = 1 << iota
	Ltime
	Lmicroseconds
	LUTC
	Llevel // prefix "<N>" syslog level, as understood by systemd-journald
	Lname  // the Logger name in parentheses

	LstdFlags = Ldate | Ltime
)

var bufpool = sync.Pool{New: func() interface{} { return new(bytes.Buffer) }}

type stdformatter struct {
	out    io.Writer
	prefix string
	flags  int
}

// FormatterOption tweaks a formatter on creation.
type FormatterOption func(*stdformatter)

// PrefixOpt sets a prefix written before the message.
func PrefixOpt(prefix string) FormatterOption {
	return func(f *stdformatter) { f.prefix = prefix }
}

// FlagsOpt sets the formatter flags.
func FlagsOpt(flags int) FormatterOption {
	return func(f *stdformatter) { f.flags = flags }
}

// NewStdFormatter creates a formatting Handler writing log lines like
// the standard library logger, with optional level and name fields.
func NewStdFormatter(w io.Writer, prefix string, flags int) Handler {
	return &stdformatter{out: w, prefix: prefix, flags: flags}
}

// NewMinFormatter creates a Handler writing "<level>message k=v" lines, which
// is what systemd-journald wants on stdout.
func NewMinFormatter(w io.Writer, opts ...FormatterOption) Handler {
	f := &stdformatter{out: w, flags: Llevel}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *stdformatter) Flags() int     { return f.flags }
func (f *stdformatter) Prefix() string { return f.prefix }

func (f *stdformatter) Log(e Event) error {
	buf := bufpool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufpool.Put(buf)

	if f.flags&Llevel != 0 {
		buf.WriteByte('<')
		buf.WriteString(strconv.Itoa(int(e.Lvl)))
		buf.WriteByte('>')
	}
	if f.flags&(Ldate|Ltime|Lmicroseconds) != 0 {
		writeTime(buf, e.Time, f.flags)
	}
	buf.WriteString(f.prefix)
	if f.flags&Lname != 0 && e.Name != "" {
		buf.WriteByte('(')
		buf.WriteString(e.Name)
		buf.WriteString(") ")
	}
	buf.WriteString(e.Msg)
	writeKV(buf, e.Data)
	buf.WriteByte('\n')

	_, err := f.out.Write(buf.Bytes())
	return err
}

func writeTime(buf *bytes.Buffer, t time.Time, flags int) {
	if flags&LUTC != 0 {
		t = t.UTC()
	}
	if flags&Ldate != 0 {
		buf.WriteString(t.Format("2006/01/02 "))
	}
	if flags&(Ltime|Lmicroseconds) != 0 {
		if flags&Lmicroseconds != 0 {
			buf.WriteString(t.Format("15:04:05.000000 "))
		} else {
			buf.WriteString(t.Format("15:04:05 "))
		}
	}
}

func writeKV(buf *bytes.Buffer, data []interface{}) {
	for i := 0; i+1 < len(data); i += 2 {
		buf.WriteByte(' ')
		buf.WriteString(fmt.Sprint(data[i]))
		buf.WriteByte('=')
		v := data[i+1]
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		s := fmt.Sprint(v)
		if needsQuote(s) {
			s = strconv.Quote(s)
		}
		buf.WriteString(s)
	}
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r <= ' ' || r == '=' || r == '"' {
			return true
		}
	}
	return false
}

//---

type syncWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// SyncWriter serializes writes to w.
func SyncWriter(w io.Writer) io.Writer {
	return &syncWriter{out: w}
}

func (s *syncWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(b)
}
