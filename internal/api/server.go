// Package api exposes the HTTP interface for the indexer service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/dispatcher"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/logging"
	"github.com/JakeFAU/repo-indexer/internal/metrics"
	"github.com/JakeFAU/repo-indexer/internal/middleware"
	"github.com/JakeFAU/repo-indexer/internal/store"
)

const defaultMaxUploadBytes = 256 << 20

// Config controls server behavior.
type Config struct {
	// RequestTimeout bounds each request context. Zero disables it.
	RequestTimeout time.Duration
	// MaxUploadBytes caps multipart upload bodies.
	MaxUploadBytes int64
	// APIKey, when non-empty, is required on every /v1 request.
	APIKey string
}

// Deps are the collaborators the handlers call into. Progress and Ready may be nil.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Broker     ingest.Broker
	Documents  ingest.DocumentStore
	PDFs       ingest.ArtifactStore
	Progress   store.ProgressRepository
	Ready      func(ctx context.Context) error
}

// Server wires HTTP handlers to the dispatcher, broker, and stores.
type Server struct {
	router     chi.Router
	dispatcher *dispatcher.Dispatcher
	broker     ingest.Broker
	documents  ingest.DocumentStore
	pdfs       ingest.ArtifactStore
	ready      func(ctx context.Context) error
	cfg        Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	logger = logging.OrNop(logger)
	s := &Server{
		dispatcher: deps.Dispatcher,
		broker:     deps.Broker,
		documents:  deps.Documents,
		pdfs:       deps.PDFs,
		ready:      deps.Ready,
		cfg:        cfg,
		logger:     logger,
	}
	metrics.Init()
	progressHandler := NewProgressHandler(deps.Progress, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Metrics)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(middleware.APIKey(cfg.APIKey))
		}
		r.Post("/imports", s.submitImport)
		r.Post("/uploads", s.submitUpload)

		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Get("/queues/stats", s.queueStats)

		r.Get("/search", s.search)
		r.Route("/documents", func(r chi.Router) {
			r.Get("/", s.listDocuments)
			r.Delete("/", s.deleteDocuments)
			r.Get("/{doc_id}", s.getDocument)
			r.Get("/{doc_id}/pdf", s.streamPDF)
		})

		r.Get("/runs", progressHandler.ListRuns)
		r.Get("/runs/{job_id}", progressHandler.GetRun)
		r.Get("/hosts", progressHandler.ListHosts)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	var repoErr *ingest.RepositoryError
	switch {
	case errors.Is(err, dispatcher.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrNotFound),
		errors.Is(err, ingest.ErrJobNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &repoErr):
		return http.StatusBadGateway
	case errors.Is(err, ingest.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg,
			zap.String("request_id", middleware.RequestIDFrom(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
