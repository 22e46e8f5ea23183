package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"

	"github.com/ieure/tillicum/supervisor"
)

// Controller is what the admin interface acts on.
type Controller interface {
	Reload(ctx context.Context) error
	Scale(ctx context.Context, n int) error
	// Stop asks for a shutdown. A negative timeout means the default.
	Stop(timeout time.Duration)
	Status() supervisor.Status
}

// RequestTimeout bounds how long a request waits for a reload or scale.
var RequestTimeout = 2 * time.Minute

type handler struct {
	c Controller
}

// NewHandler returns the admin routes for c.
func NewHandler(c Controller, g prometheus.Gatherer) http.Handler {
	h := &handler{c: c}
	r := mux.NewRouter()
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/reload", h.reload).Methods(http.MethodPost)
	r.HandleFunc("/scale/{n:[0-9]+}", h.scale).Methods(http.MethodPost)
	r.HandleFunc("/shutdown", h.shutdown).Methods(http.MethodPost)
	if g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

type reply struct {
	OK    bool   `json:"ok"`
	Epoch uint64 `json:"epoch"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.DEBUG("Writing response", "err", err)
	}
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), reply{Epoch: h.c.Status().Epoch, Error: err.Error()})
}

// statusCode maps supervisor errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrRestartInProgress):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrScaleOutOfBounds):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrShutdown), errors.Is(err, supervisor.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *handler) status(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, h.c.Status())
}

// healthz is OK while at least the minimum number of workers is ready.
func (h *handler) healthz(w http.ResponseWriter, req *http.Request) {
	st := h.c.Status()
	code := http.StatusOK
	if st.Stopping || st.Ready < st.Min {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{"ready": st.Ready, "min": st.Min, "epoch": st.Epoch})
}

func (h *handler) reload(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), RequestTimeout)
	defer cancel()
	if err := h.c.Reload(ctx); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply{OK: true, Epoch: h.c.Status().Epoch})
}

func (h *handler) scale(w http.ResponseWriter, req *http.Request) {
	n, err := strconv.Atoi(mux.Vars(req)["n"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, reply{Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), RequestTimeout)
	defer cancel()
	if err := h.c.Scale(ctx, n); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply{OK: true, Epoch: h.c.Status().Epoch})
}

func (h *handler) shutdown(w http.ResponseWriter, req *http.Request) {
	timeout := time.Duration(-1)
	if v := req.URL.Query().Get("timeout"); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, reply{Error: "bad timeout " + strconv.Quote(v)})
			return
		}
		timeout = d
	}
	h.c.Stop(timeout)
	writeJSON(w, http.StatusAccepted, reply{OK: true, Epoch: h.c.Status().Epoch})
}
