// Package httpapi serves the health and inspection endpoints.
//
//	GET  /healthz         connection + poller state; 503 while reconnecting
//	GET  /jobs            jobs filtered by habit_id, user_id, kind, status, key
//	POST /reminders       schedule a one-off reminder
//	POST /sweep           run a reconciliation sweep now
//	POST /store/restart   reconnect the job store now
//	GET  /debug/pprof/*   profiling, when enabled
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"reminderd/internal/connection"
	"reminderd/internal/reconcile"
	"reminderd/internal/runtime/supervisor"
	"reminderd/internal/storage"
	"reminderd/internal/task/scheduler"
	logx "reminderd/pkg/logx"
)

type Connection interface {
	State() connection.State
	Restart(ctx context.Context) error
}

type Scheduler interface {
	Snapshot() scheduler.Snapshot
	Jobs(ctx context.Context, f storage.Filter) ([]storage.Job, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (reconcile.Report, error)
	Last() reconcile.Report
}

type Reminders interface {
	RemindOnce(ctx context.Context, userID, habitID string, at time.Time, message string) (storage.Job, error)
}

type Runtime interface {
	Snapshot() supervisor.Snapshot
}

// Deps are the components behind the endpoints. Sweeper, Reminders and
// Runtime are optional; their endpoints answer 404 when unset.
type Deps struct {
	Connection Connection
	Scheduler  Scheduler
	Sweeper    Sweeper
	Reminders  Reminders
	Runtime    Runtime
	Log        logx.Logger
	// Profiling mounts the pprof handlers under /debug.
	Profiling bool
}

type handler struct {
	Deps
}

func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	d.Log = d.Log.With(logx.String("comp", "http"))
	h := &handler{Deps: d}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLog(d.Log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/jobs", h.jobs)
	if d.Reminders != nil {
		r.Post("/reminders", h.remindOnce)
	}
	if d.Sweeper != nil {
		r.Post("/sweep", h.sweep)
	}
	r.Post("/store/restart", h.restart)
	if d.Profiling {
		r.Mount("/debug", chimw.Profiler())
	}
	return r
}

type healthDTO struct {
	Status     string               `json:"status"`
	Connection connection.State     `json:"connection"`
	Scheduler  scheduler.Snapshot   `json:"scheduler"`
	Sweep      *reconcile.Report    `json:"last_sweep,omitempty"`
	Runtime    *supervisor.Snapshot `json:"runtime,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	out := healthDTO{
		Status:     "ok",
		Connection: h.Connection.State(),
		Scheduler:  h.Scheduler.Snapshot(),
	}
	if h.Sweeper != nil {
		last := h.Sweeper.Last()
		out.Sweep = &last
	}
	if h.Runtime != nil {
		rs := h.Runtime.Snapshot()
		out.Runtime = &rs
	}
	code := http.StatusOK
	if out.Connection.Status != connection.StatusConnected {
		out.Status = "reconnecting"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, out)
}

func (h *handler) jobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.Filter{
		Kind:      strings.TrimSpace(q.Get("kind")),
		UniqueKey: strings.TrimSpace(q.Get("key")),
		UserID:    strings.TrimSpace(q.Get("user_id")),
		HabitID:   strings.TrimSpace(q.Get("habit_id")),
		Status:    storage.Status(strings.TrimSpace(q.Get("status"))),
	}
	switch f.Status {
	case "", storage.StatusPending, storage.StatusTerminal:
	default:
		writeError(w, http.StatusBadRequest, "status must be pending or terminal")
		return
	}
	jobs, err := h.Scheduler.Jobs(r.Context(), f)
	if err != nil {
		h.Log.Warn("list jobs failed", logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	if jobs == nil {
		jobs = []storage.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

type remindOnceReq struct {
	UserID  string    `json:"user_id"`
	HabitID string    `json:"habit_id"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

func (h *handler) remindOnce(w http.ResponseWriter, r *http.Request) {
	var req remindOnceReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.At.IsZero() {
		writeError(w, http.StatusBadRequest, "at is required")
		return
	}
	job, err := h.Reminders.RemindOnce(r.Context(), req.UserID, req.HabitID, req.At, req.Message)
	if err != nil {
		if storage.IsTransient(err) {
			writeError(w, http.StatusServiceUnavailable, "job store unavailable")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handler) sweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		h.Log.Warn("manual sweep failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": rep})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handler) restart(w http.ResponseWriter, r *http.Request) {
	err := h.Connection.Restart(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.Connection.State())
	case errors.Is(err, connection.ErrReconnecting):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}
