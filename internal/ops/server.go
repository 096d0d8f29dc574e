// Package ops implements a minimal chi-based introspection HTTP server:
// liveness and status endpoints only, modeled on the reference service's
// dashboard server but stripped to the ambient concern the engine itself
// needs (no module routes, no static assets).
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/kestrelquant/engine/internal/domain"
)

// StatusProvider is the subset of the scheduler the introspection server
// needs to answer /status without importing the scheduler package (which
// would create an import cycle through telemetry/persistence wiring).
type StatusProvider interface {
	Status() domain.EngineStatus
}

// Server is the engine's own health/status endpoint, separate from the
// telemetry sink it publishes events to.
type Server struct {
	router *chi.Mux
	http   *http.Server
	log    zerolog.Logger
}

// New builds the introspection server bound to port. status is queried
// fresh on every /status request; it is never cached.
func New(port int, status StatusProvider, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    log.With().Str("component", "ops_server").Logger(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(10 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/status", s.handleStatus(status))

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the introspection endpoints until an error
// (including http.ErrServerClosed on graceful shutdown).
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("ops server listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server, letting in-flight requests finish;
// if ctxDone closes first, the remaining connections are closed forcibly.
func (s *Server) Shutdown(ctxDone <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.http.Shutdown(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctxDone:
		cancel()
		return s.http.Close()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(status StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status.Status()); err != nil {
			s.log.Error().Err(err).Msg("failed to encode status response")
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}
