// Package core provides the HTTP chassis for the chatgate webhook receiver.
// It builds a chi router with the cross-cutting middleware chain (panic
// recovery, request deadlines, correlation IDs, structured request logging)
// and runs the server with graceful shutdown. Domain handlers mount their own
// routes on the router; core stays free of webhook semantics.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chatgate/internal/config"
)

// Server bundles the router with the dependencies every request needs. All
// fields are set at construction and never mutated afterwards.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer builds the chassis and registers the global middleware chain and
// the health endpoint. Callers mount domain routes on Router() afterwards.
func NewServer(cfg *config.Config, logger *slog.Logger, probes ...HealthProbe) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:       cfg,
		Logger:       logger,
		HealthProbes: probes,
		router:       chi.NewRouter(),
	}

	// Strict order: the recoverer is outermost so it catches panics from
	// every other layer, and the request ID must exist before anything logs.
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(cfg.Server.RequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(logger, defaultRedactedHeaders))

	s.router.Get("/health", s.HandleHealth)

	return s, nil
}

// Router returns the chi router for domain route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the served handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is canceled, then drains in-flight requests for
// up to the configured shutdown timeout before returning.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.Config.Server.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.Logger.Info("http server draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.Logger.Info("http server stopped")
	return <-errCh
}
