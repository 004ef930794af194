// Package httpapi exposes the Runtime over the HTTP/SSE surface spec.md §4.6
// and §6 define: session creation, turn submission, an SSE event stream,
// slash-equivalent commands, and /status and /healthz. Grounded on the
// teacher's internal/web/api.go: stdlib net/http, MaxBytesReader-guarded
// JSON decoding, and a SystemStatus response shape, trimmed to pith's
// single-tenant session surface (no auth middleware — spec.md's threat model
// is a single local user).
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/pith/internal/eventbus"
	"github.com/haasonsaas/pith/internal/metrics"
	"github.com/haasonsaas/pith/internal/registry"
	rt2 "github.com/haasonsaas/pith/internal/runtime"
	"github.com/haasonsaas/pith/internal/store"
	"github.com/haasonsaas/pith/internal/workspace"
)

const maxRequestBodyBytes int64 = 1 << 20

// Server wires the Runtime, Store, Registry and Event Bus to an http.Handler.
type Server struct {
	rt        *rt2.Runtime
	st        *store.Store
	reg       *registry.Registry
	bus       *eventbus.Bus
	log       *slog.Logger
	startedAt time.Time
	met       *metrics.Metrics
	promReg   *prometheus.Registry
	ws        *workspace.Workspace
}

func New(runtime *rt2.Runtime, st *store.Store, reg *registry.Registry, bus *eventbus.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{rt: runtime, st: st, reg: reg, bus: bus, log: log.With("component", "httpapi"), startedAt: time.Now()}
}

// SetMetrics attaches the Prometheus registry/series the /metrics route
// serves and the request-latency middleware records against. Optional: an
// unset registry leaves the /metrics route unregistered (it answers 404), and
// an unset Metrics makes the middleware a no-op.
func (s *Server) SetMetrics(promReg *prometheus.Registry, met *metrics.Metrics) {
	s.promReg = promReg
	s.met = met
}

// SetWorkspace attaches the workspace whose `.pith/healthy` sentinel
// handleHealthz touches on each successful check (spec.md §6). Optional: an
// unset workspace leaves /healthz's liveness check as store+registry only.
func (s *Server) SetWorkspace(ws *workspace.Workspace) {
	s.ws = ws
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /sessions/{id}/turns", s.handleSubmitTurn)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /sessions/{id}/commands", s.handleCommand)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.promReg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
	return s.withMetrics(mux)
}

// withMetrics wraps every route with a latency/status observation, grounded
// on the teacher's internal/web middleware chain. A nil Metrics (tests,
// metrics disabled) makes this a transparent passthrough.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	if s.met == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.met.ObserveHTTP(r.URL.Path, fmt.Sprintf("%d", rec.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.rt.NewSession(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

type turnRequest struct {
	Text            string `json:"text"`
	DeadlineSeconds int    `json:"deadline_seconds"`
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req turnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var deadline time.Duration
	if req.DeadlineSeconds > 0 {
		deadline = time.Duration(req.DeadlineSeconds) * time.Second
	}

	turnID := uuid.NewString()
	go func() {
		ctx := r.Context()
		if err := s.rt.SubmitTurn(ctx, sessionID, req.Text, deadline); err != nil {
			s.log.Warn("turn submission failed", "session_id", sessionID, "error", err)
		}
	}()

	w.Header().Set("X-Turn-Id", turnID)
	w.WriteHeader(http.StatusAccepted)
}

type commandRequest struct {
	Cmd string `json:"cmd"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req commandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Cmd != "new" && req.Cmd != "compact" && req.Cmd != "info" {
		writeError(w, http.StatusBadRequest, "unknown command "+req.Cmd)
		return
	}
	if err := s.rt.SubmitTurn(r.Context(), sessionID, "/"+req.Cmd, 0); err != nil {
		var busy *rt2.BusyError
		if errors.As(err, &busy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleEvents streams the session's Event Bus as Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, unsubscribe := s.bus.Subscribe(sessionID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.Seq, data)
			flusher.Flush()
		}
	}
}

type statusResponse struct {
	BootstrapComplete bool   `json:"bootstrap_complete"`
	SessionCount      int    `json:"session_count"`
	ToolCount         int    `json:"tool_count"`
	Uptime            string `json:"uptime"`
	GoVersion         string `json:"go_version"`
	NumGoroutines     int    `json:"num_goroutines"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	bootstrapDone, _ := s.st.BootstrapComplete(r.Context())
	sessionCount, _ := s.st.CountSessions(r.Context())
	s.met.SetToolsRegistered(len(s.reg.Descriptors()))
	writeJSON(w, http.StatusOK, statusResponse{
		BootstrapComplete: bootstrapDone,
		SessionCount:      sessionCount,
		ToolCount:         len(s.reg.Descriptors()),
		Uptime:            time.Since(s.startedAt).String(),
		GoVersion:         runtime.Version(),
		NumGoroutines:     runtime.NumGoroutine(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.st.CountSessions(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	if s.reg == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not initialized")
		return
	}
	if s.ws != nil {
		if err := s.ws.TouchHealthy(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "workspace unwritable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
