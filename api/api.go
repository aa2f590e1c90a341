// Package api exposes the HTTP surface: analysis, feed management and
// sandbox job control, plus health and Prometheus metrics endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chimerasec/chimera/analysis"
	"github.com/chimerasec/chimera/feeds"
	"github.com/chimerasec/chimera/ioc"
	"github.com/chimerasec/chimera/obs"
	"github.com/chimerasec/chimera/sandbox"
	"github.com/chimerasec/chimera/store"
)

// Server wires the component APIs onto one router.
type Server struct {
	engine    *analysis.Engine
	scheduler *feeds.Scheduler
	orch      *sandbox.Orchestrator
	st        *store.Store
	events    *obs.Events
	logger    *slog.Logger

	// maxUpload bounds sandbox file submissions, in bytes.
	maxUpload int64
}

// Options for constructing a Server.
type Options struct {
	MaxUploadBytes int64 // default 32MB
	Logger         *slog.Logger
}

// New creates the API server. events may be nil.
func New(engine *analysis.Engine, scheduler *feeds.Scheduler, orch *sandbox.Orchestrator,
	st *store.Store, events *obs.Events, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		scheduler: scheduler,
		orch:      orch,
		st:        st,
		events:    events,
		logger:    opts.Logger,
		maxUpload: opts.MaxUploadBytes,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/analyze/batch", s.handleAnalyzeBatch)
		r.Get("/indicators/history", s.handleVerdictHistory)
		r.Get("/events", s.handleEvents)

		r.Route("/feeds", func(r chi.Router) {
			r.Get("/", s.handleListFeeds)
			r.Post("/", s.handleAddFeed)
			r.Get("/stats", s.handleFeedStats)
			r.Get("/search", s.handleFeedSearch)
			r.Post("/trigger", s.handleTriggerAll)
			r.Post("/{id}/toggle", s.handleToggleFeed)
			r.Post("/{id}/trigger", s.handleTriggerFeed)
			r.Post("/{id}/reset-errors", s.handleResetFeedErrors)
		})

		r.Route("/sandbox", func(r chi.Router) {
			r.Post("/submit", s.handleSubmitFile)
			r.Get("/stats", s.handleJobStats)
			r.Get("/jobs/{id}", s.handleJobStatus)
			r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		})
	})
	return r
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Indicator string `json:"indicator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	v, err := s.engine.Analyze(r.Context(), req.Indicator)
	if err != nil {
		if errors.Is(err, analysis.ErrInvalidIndicator) {
			writeError(w, 400, err)
			return
		}
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, v)
}

// handleAnalyzeBatch analyzes up to 100 indicators concurrently. Each
// entry succeeds or fails on its own; one bad value never sinks the
// batch.
func (s *Server) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Indicators []string `json:"indicators"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if len(req.Indicators) == 0 || len(req.Indicators) > 100 {
		writeJSON(w, 400, map[string]string{"error": "between 1 and 100 indicators required"})
		return
	}

	type entry struct {
		Indicator string         `json:"indicator"`
		Verdict   *store.Verdict `json:"verdict,omitempty"`
		Error     string         `json:"error,omitempty"`
	}
	out := make([]entry, len(req.Indicators))
	var wg sync.WaitGroup
	for i, ind := range req.Indicators {
		wg.Add(1)
		go func(i int, ind string) {
			defer wg.Done()
			out[i].Indicator = ind
			v, err := s.engine.Analyze(r.Context(), ind)
			if err != nil {
				out[i].Error = err.Error()
				return
			}
			out[i].Verdict = v
		}(i, ind)
	}
	wg.Wait()
	writeJSON(w, 200, map[string]any{"results": out})
}

func (s *Server) handleVerdictHistory(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("value")
	t, err := ioc.Classify(value)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	ind, err := s.st.GetIndicator(r.Context(), ioc.Normalize(value, t), t)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if ind == nil {
		writeJSON(w, 404, map[string]string{"error": "indicator never analyzed"})
		return
	}
	history, err := s.st.VerdictHistory(r.Context(), ind.ID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]any{"indicator": ind, "verdicts": history})
}

// handleEvents lists the most recent operator events, optionally filtered
// by type (?type=feed_error).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.events.Recent(r.Context(), r.URL.Query().Get("type"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if events == nil {
		events = []obs.Event{}
	}
	writeJSON(w, 200, events)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
