package admin

import "net/http"

// RecordingResponseWriter remembers the status code and body size of a
// response, for access logs and auditing.
type RecordingResponseWriter interface {
	http.ResponseWriter
	http.Flusher
	Status() int
	Size() int
}

// MakeRecorder wraps w.
func MakeRecorder(w http.ResponseWriter) RecordingResponseWriter {
	return &recorder{ResponseWriter: w}
}

type recorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

func (r *recorder) Flush() {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the original writer.
func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Status is the response status, 0 if nothing was written yet.
func (r *recorder) Status() int { return r.status }

func (r *recorder) Size() int { return r.size }
