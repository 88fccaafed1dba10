// Package httpapi serves the ops surface and the local edit endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"callsync/internal/events"
	"callsync/internal/jobs"
	"callsync/internal/logger"
	"callsync/internal/metrics"
	"callsync/internal/model"
	"callsync/internal/pipeline"
	"callsync/internal/store"
)

// Store is the local state read and edited over HTTP.
type Store interface {
	Health(ctx context.Context) error
	StatusCounts(ctx context.Context) (map[string]map[string]int, error)
	LoadSettings(ctx context.Context) (model.Settings, error)
	ListJobRuns(ctx context.Context, limit int) ([]store.JobRun, error)
	ListCalls(ctx context.Context, limit int) ([]model.CallRecord, error)
	UpdateCallNote(ctx context.Context, id, note string, reviewed bool) error
	UpdatePersonNote(ctx context.Context, phone, note, label string) error
}

// Runner is the job scheduler surface.
type Runner interface {
	Enqueue(ctx context.Context, name string, policy jobs.Policy, params jobs.Params) (string, error)
	Stats() jobs.Stats
}

// Router builds HTTP handlers for /ops, /api and /metrics.
type Router struct {
	store   Store
	runner  Runner
	bus     *events.Bus
	metrics *metrics.Metrics
	results *pipeline.Results
	log     *logger.Logger
}

func NewRouter(st Store, runner Runner, bus *events.Bus, m *metrics.Metrics, results *pipeline.Results, log *logger.Logger) *Router {
	return &Router{store: st, runner: runner, bus: bus, metrics: m, results: results, log: log.Named("http")}
}

// Handler returns the complete chi router.
func (r *Router) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(r.requestLogger)
	router.Use(middleware.Recoverer)

	router.Route("/ops", func(router chi.Router) {
		router.Get("/health", r.health)
		router.Get("/status", r.status)
		router.Get("/jobs", r.jobs)
		router.Post("/jobs/{name}/run", r.run)
		router.Get("/progress", r.progress)
	})
	router.Route("/api", func(router chi.Router) {
		router.Get("/calls", r.calls)
		router.Put("/calls/{id}/note", r.callNote)
		router.Put("/persons/{phone}/note", r.personNote)
	})
	router.Method(http.MethodGet, "/metrics", r.metrics.Handler())
	return router
}

func (r *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		defer func() {
			r.log.Debug("HTTP request",
				logger.String("method", req.Method),
				logger.String("path", req.URL.Path),
				logger.Int("status", ww.Status()),
				logger.Duration("duration", time.Since(start)))
		}()
		next.ServeHTTP(ww, req)
	})
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	counts, err := r.store.StatusCounts(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	settings, err := r.store.LoadSettings(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.respondJSON(w, http.StatusOK, map[string]any{
		"counts":            counts,
		"paired":            settings.Paired(),
		"tracking_enabled":  settings.TrackingEnabled,
		"recording_enabled": settings.RecordingEnabled,
		"cursor_ms":         settings.LastSyncMs,
		"last_imported_ms":  settings.LastImportedMs,
		"quota_exhausted":   settings.QuotaExhausted(),
		"last_results":      r.results.Snapshot(),
		"jobs":              r.runner.Stats().Jobs,
	})
}

func (r *Router) jobs(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", 50)
	runs, err := r.store.ListJobRuns(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.respondJSON(w, http.StatusOK, map[string]any{"scheduler": r.runner.Stats(), "runs": runs})
}

// run is an immediate request: it replaces a waiting request of the same job.
func (r *Router) run(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	params := jobs.Params{}
	if q := req.URL.Query().Get(pipeline.ParamQuick); q != "" {
		params[pipeline.ParamQuick] = q == "true" || q == "1"
	}
	id, err := r.runner.Enqueue(req.Context(), name, jobs.PolicyReplace, params)
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	r.respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "job": name})
}

func (r *Router) progress(w http.ResponseWriter, req *http.Request) {
	r.respondJSON(w, http.StatusOK, r.bus.Latest())
}

func (r *Router) calls(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListCalls(req.Context(), queryInt(req, "limit", 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.respondJSON(w, http.StatusOK, list)
}

func (r *Router) callNote(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Note     string `json:"note"`
		Reviewed bool   `json:"reviewed"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := r.store.UpdateCallNote(req.Context(), chi.URLParam(req, "id"), body.Note, body.Reviewed)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.pushEdits(w, req)
}

func (r *Router) personNote(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Note  string `json:"note"`
		Label string `json:"label"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := r.store.UpdatePersonNote(req.Context(), chi.URLParam(req, "phone"), body.Note, body.Label); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.pushEdits(w, req)
}

// pushEdits requests a quick sync so a local edit reaches the server promptly.
func (r *Router) pushEdits(w http.ResponseWriter, req *http.Request) {
	id, err := r.runner.Enqueue(req.Context(), pipeline.JobSync, jobs.PolicyReplace, jobs.Params{pipeline.ParamQuick: true})
	if err != nil {
		r.log.Warn("enqueue quick sync failed", logger.Error(err))
	}
	r.respondJSON(w, http.StatusOK, map[string]string{"status": "saved", "sync_run": id})
}

func queryInt(req *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(req.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func (r *Router) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.log.Warn("write json", logger.Error(err))
	}
}
