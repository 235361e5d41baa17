package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tapline/tapline/internal/api/middleware"
	"github.com/tapline/tapline/internal/ari"
	"github.com/tapline/tapline/internal/session"
)

// Originator places new outbound call legs through the control plane.
// *ari.Client implements it.
type Originator interface {
	Originate(ctx context.Context, endpoint, extension, dialContext string) (*ari.Channel, error)
}

// Options carries the Server's dependencies.
type Options struct {
	Registry      *session.Registry
	Originator    Originator
	RecordingsDir string
	RTPPort       int
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	opts   Options
	logger *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	s := &Server{
		router: chi.NewRouter(),
		opts:   opts,
		logger: opts.Logger.With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.StructuredLogger)

	if s.opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/sessions", s.handleListSessions)

		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", s.handleListRecordings)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetRecording)
				r.Delete("/", s.handleDeleteRecording)
			})
		})

		r.Post("/calls", s.handleStartCall)
	})
}
