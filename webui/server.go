// Package webui serves the pipeline status API, metrics and the
// websocket snapshot stream.
// This file contains the Server organism that wires the web components.
package webui

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AuthProvider wraps handlers with authentication. auth.BasicAuth
// implements it; the interface keeps webui free of an import on auth.
type AuthProvider interface {
	Middleware(next http.Handler) http.Handler
}

// Server is the HTTP server organism.
// It wires together:
//   - LoggingMiddleware for request logging
//   - AuthProvider for basic auth (optional)
//   - API for the REST endpoints
//   - MetricsStream for the websocket snapshot stream
//
// /health is always served without authentication.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	config     ServerConfig
	logger     *zap.Logger
	auth       AuthProvider
	api        *API
	stream     *MetricsStream
}

// ServerConfig configures the Server.
type ServerConfig struct {
	// Addr is the listen address (default ":3000")
	Addr string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// LogSkipPaths are not request-logged
	LogSkipPaths []string

	API    APIConfig
	Stream StreamConfig
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
// WriteTimeout stays zero because websocket connections are long-lived.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":3000",
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		LogSkipPaths:    []string{"/health"},
		API:             DefaultAPIConfig(),
		Stream:          DefaultStreamConfig(),
	}
}

// NewServer creates a Server over deps. auth may be nil for an
// unauthenticated server.
func NewServer(config ServerConfig, deps APIDeps, auth AuthProvider, logger *zap.Logger) (*Server, error) {
	if deps.Pipeline == nil || deps.Store == nil {
		return nil, errors.New("webui: pipeline and metrics store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	api := NewAPI(deps, config.API, logger.Named("api"))
	stream := NewMetricsStream(deps.Pipeline, func() any { return deps.Pipeline.Status() },
		config.Stream, logger.Named("ws"))

	s := &Server{
		mux:    http.NewServeMux(),
		config: config,
		logger: logger,
		auth:   auth,
		api:    api,
		stream: stream,
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           NewLoggingMiddleware(logger.Named("http"), config.LogSkipPaths...).Handler(s.mux),
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	logger.Info("WebUI server created",
		zap.String("addr", config.Addr),
		zap.Bool("auth_enabled", auth != nil))
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	protected := http.NewServeMux()
	s.api.RegisterRoutes(protected)
	protected.Handle("GET /ws", s.stream)

	s.mux.Handle("/api/", s.protect(protected))
	s.mux.Handle("/ws", s.protect(protected))
}

func (s *Server) protect(h http.Handler) http.Handler {
	if s.auth != nil {
		return s.auth.Middleware(h)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks serving on the configured address until
// Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("webui listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve blocks serving on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("WebUI server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown disconnects websocket clients and gracefully stops the HTTP
// server, bounded by ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down WebUI server")
	s.stream.Close()

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown error: %w", err)
	}

	s.logger.Info("WebUI server stopped")
	return nil
}

// Stream returns the websocket snapshot stream.
func (s *Server) Stream() *MetricsStream { return s.stream }

// HasAuth reports whether authentication is enabled.
func (s *Server) HasAuth() bool { return s.auth != nil }
