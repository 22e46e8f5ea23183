package admin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ieure/tillicum/daemon/ctrl"
)

var lastReportedAccesslogError atomic.Value

func init() {
	lastReportedAccesslogError.Store(time.Unix(0, 0))
}

type buffer [256]byte // temporary byte array for creating log lines.

// DynamicLogHandler is the interface of a logging http.Handler capable
// of turning on/off access log writing to multiple io.Writer
type DynamicLogHandler interface {
	http.Handler
	// ToggleAccessLog controls which io.Writer accesslog is written to.
	// call (nil, w) to turn accesslog on a io.Writer on.
	// call (w, nil) to turn the accesslog of an io.Writer off
	// call (old,new) to atomically switch accesslog from one io.Writer to another
	ToggleAccessLog(old, new io.Writer)
}

// AuditFunction is called after each request has been served.
type AuditFunction func(req *http.Request, rec RecordingResponseWriter, elapsed time.Duration)

type logHandler struct {
	handler http.Handler
	bufpool *sync.Pool
	mu      sync.Mutex
	writers []io.Writer
	out     atomic.Value // holds a writerBox
	af      AuditFunction
}

type writerBox struct{ w io.Writer }

// NewDynamicLogHandler wraps around a provided handler and returns a DynamicLogHandler
// capable of turning accesslog on/off dynamically.
func NewDynamicLogHandler(h http.Handler, af AuditFunction) DynamicLogHandler {
	p := &sync.Pool{New: func() interface{} { return new(buffer) }}
	lh := &logHandler{handler: h, bufpool: p, af: af}
	lh.out.Store(writerBox{})
	return lh
}

func (h *logHandler) ToggleAccessLog(old, new io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old == nil {
		if new != nil {
			h.writers = append(h.writers, new)
		}
	} else {
		j := 0
		for _, wo := range h.writers {
			if wo == old {
				if new == nil {
					continue
				}
				wo = new
			}
			h.writers[j] = wo
			j++
		}
		h.writers = h.writers[:j]
	}

	if len(h.writers) == 0 {
		h.out.Store(writerBox{})
	} else {
		h.out.Store(writerBox{io.MultiWriter(h.writers...)})
	}
}

func (h *logHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	out := h.out.Load().(writerBox).w
	if out == nil && h.af == nil {
		h.handler.ServeHTTP(w, req)
		return
	}

	recorder := MakeRecorder(w)
	t := time.Now()
	h.handler.ServeHTTP(recorder, req)
	elapsed := time.Since(t)

	if out != nil {
		pbuf := h.bufpool.Get().(*buffer)
		logbuf := buildLogLine(pbuf[:0], req, recorder, t, elapsed)
		if _, err := out.Write(logbuf); err != nil {
			if last := lastReportedAccesslogError.Load().(time.Time); t.Sub(last) > time.Minute {
				logger.WARN("Error writing access log, suppressing for a minute", "err", err)
				lastReportedAccesslogError.Store(t)
			}
		}
		h.bufpool.Put(pbuf)
	}
	if h.af != nil {
		h.af(req, recorder, elapsed)
	}
}

// buildLogLine appends a Common Log Format line with the request duration in
// microseconds at the end.
func buildLogLine(buf []byte, req *http.Request, rec RecordingResponseWriter, t time.Time, elapsed time.Duration) []byte {
	buf = append(buf, req.RemoteAddr...)
	buf = append(buf, " - - ["...)
	buf = t.AppendFormat(buf, "02/Jan/2006:15:04:05 -0700")
	buf = append(buf, "] \""...)
	buf = append(buf, req.Method...)
	buf = append(buf, ' ')
	buf = append(buf, req.URL.RequestURI()...)
	buf = append(buf, ' ')
	buf = append(buf, req.Proto...)
	buf = append(buf, "\" "...)
	buf = strconv.AppendInt(buf, int64(rec.Status()), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, int64(rec.Size()), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, elapsed.Microseconds(), 10)
	buf = append(buf, '\n')
	return buf
}

// AccessLogCommand is a control socket command streaming the access log of h
// to the control connection until the next command.
func AccessLogCommand(h DynamicLogHandler) ctrl.Command {
	return &accessLogCommand{handler: h}
}

type accessLogCommand struct {
	handler DynamicLogHandler
}

func (lc *accessLogCommand) ShortUsage() (syntax, comment string) {
	return "", "stream the admin access log"
}

func (lc *accessLogCommand) Usage(cmd string, w io.Writer) {
	fmt.Fprintln(w, cmd, "   Output the admin server access log until the next command")
}

func (lc *accessLogCommand) Invoke(ctx context.Context, w io.Writer, cmd string, args []string) (func(), error) {
	return func() {
		logger.INFO("Turning on accesslog")
		lc.handler.ToggleAccessLog(nil, w)
		<-ctx.Done()
		logger.INFO("Turning off accesslog")
		lc.handler.ToggleAccessLog(w, nil)
	}, nil
}
