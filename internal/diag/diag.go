// Package diag exposes a read-only HTTP surface over a running wall
// controller: health, the status snapshot, per-tile decision state, and
// recorded simulation runs when a store is attached. It exists for
// poking at a live or just-finished simulation with curl, plus an HTML
// dashboard on / for eyeballing the same state.
package diag

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/wallgrid/internal/simstore"
	"github.com/me/wallgrid/pkg/model"
)

// StatusSource is the controller surface the endpoints read. The wall
// controller satisfies it; its snapshot methods are safe to call from
// the HTTP goroutines.
type StatusSource interface {
	Status() model.Status
	TileStates() []model.TileState
}

// Server is the diagnostics HTTP server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	startTime time.Time
	source    StatusSource
	store     *simstore.Store // optional; enables the /runs endpoints
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore attaches a run store, enabling the /runs endpoints.
func WithStore(st *simstore.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a Server with all routes registered.
func New(source StatusSource, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "diag"),
		startTime: time.Now(),
		source:    source,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/", s.handleIndex)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/tiles", s.handleTiles)

		if s.store != nil {
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.handleListRuns)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRun)
					r.Get("/samples", s.handleRunSamples)
				})
			})
		}
	})
}
