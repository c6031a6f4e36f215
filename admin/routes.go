// Package admin serves the scaling job HTTP API.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

// NewRouter builds the API. metrics is mounted at /metrics when non-nil.
func NewRouter(handlers *Handlers, secret string, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.NotFound(handleUnsupported)
	r.MethodNotAllowed(handleUnsupported)

	r.Route("/scaling/job", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))
		r.Post("/start", handlers.handleStart)
		r.Get("/list", handlers.handleList)
		r.Get("/progress/{id}", handlers.handleProgress)
		r.Post("/stop", handlers.handleStop)
	})

	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/debug/pprof", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		r.HandleFunc("/{profile}", pprof.Index)
	})

	return r
}

// Server runs the admin API on its own listener
type Server struct {
	addr    string
	handler http.Handler

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server for handler on address:port
func NewServer(address string, port int, handler http.Handler) *Server {
	return &Server{
		addr:    fmt.Sprintf("%s:%d", address, port),
		handler: handler,
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin HTTP server failed")
		}
	}()

	log.Info().Str("address", listener.Addr().String()).Msg("Admin API enabled at /scaling/job/*")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts the server down
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	log.Info().Msg("Stopping admin HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin HTTP server shutdown failed")
	}
}
