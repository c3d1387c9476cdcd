package server

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/compemperor/engram/internal/engine"
	"github.com/compemperor/engram/internal/metrics"
	"github.com/compemperor/engram/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Consolidator is the scheduler surface exposed over HTTP.
type Consolidator interface {
	Status() scheduler.Status
	RunNow(ctx context.Context) (*scheduler.CycleReport, error)
}

// Options wires a Server. Engine is required.
type Options struct {
	Engine    *engine.Engine
	Scheduler Consolidator
	Metrics   *metrics.Metrics
	Logger    *log.Logger
	Version   string
	// RequestTimeout bounds every API request except consolidation runs.
	RequestTimeout time.Duration
}

// Server is the engram HTTP API server.
type Server struct {
	engine    *engine.Engine
	scheduler Consolidator
	metrics   *metrics.Metrics
	logger    *log.Logger
	router    chi.Router
	version   string
	timeout   time.Duration
	started   time.Time
}

// New creates a new Server over the given engine.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		engine:    opts.Engine,
		scheduler: opts.Scheduler,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "server"),
		version:   opts.Version,
		timeout:   opts.RequestTimeout,
		started:   time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Get("/stats", s.handleStats)

			r.Post("/records", s.handleAdd)
			r.Get("/records/{id}", s.handleGet)
			r.Post("/records/{id}/archive", s.handleArchive)
			r.Get("/records/{id}/related", s.handleRelated)
			r.Post("/records/{id}/relationships", s.handleAddRelationship)
			r.Post("/records/{id}/review", s.handleReview)

			r.Get("/search", s.handleSearch)
			r.Post("/recall", s.handleRecall)
			r.Get("/recall/stats", s.handleRecallStats)

			r.Get("/mirror/drift", s.handleDrift)
			r.Get("/mirror/trends", s.handleTrends)

			r.Get("/reviews/due", s.handleDueReviews)
			r.Get("/challenge", s.handleChallenge)

			r.Post("/sessions", s.handleSessionStart)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Get("/sessions/{id}/time", s.handleSessionTime)
			r.Post("/sessions/{id}/notes", s.handleSessionNote)
			r.Post("/sessions/{id}/checkpoints", s.handleSessionVerify)
			r.Post("/sessions/{id}/consolidate", s.handleSessionConsolidate)

			r.Get("/consolidation", s.handleConsolidationStatus)
			r.Get("/reflections/candidates", s.handleReflectionCandidates)
			r.Get("/duplicates", s.handleDuplicates)
		})

		// consolidation work can outlast the request timeout
		r.Post("/consolidation/run", s.handleConsolidationRun)
		r.Post("/consolidation/phases/{phase}", s.handleRunPhase)
		r.Post("/reflections", s.handleReflect)
		r.Post("/index/rebuild", s.handleRebuildIndex)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	db := s.engine.Store().DB()
	dbOK := db.Ping() == nil

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": db.Path,
	})
}

// requestLogger logs one line per request at debug level, and at warn level
// for server errors.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		kv := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Warn("request failed", kv...)
			return
		}
		s.logger.Debug("request", kv...)
	})
}
