package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tello-relay/relay/internal/auth"
	"github.com/tello-relay/relay/internal/config"
)

// Server is the caller-facing HTTP server.
type Server struct {
	httpServer     *http.Server
	dispatcher     DispatcherPort
	telemetryHub   TelemetryPort
	authMiddleware *auth.Middleware
	logger         *zap.Logger
	startTime      time.Time
	cfg            config.APIConfig
}

// NewServer creates the API server. A nil middleware runs in local mode.
func NewServer(dispatcher DispatcherPort, telemetryHub TelemetryPort, authMiddleware *auth.Middleware, cfg config.APIConfig, logger *zap.Logger) *Server {
	if authMiddleware == nil {
		authMiddleware = auth.NewMiddleware(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher:     dispatcher,
		telemetryHub:   telemetryHub,
		authMiddleware: authMiddleware,
		logger:         logger.Named("api"),
		startTime:      time.Now(),
		cfg:            cfg,
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     zap.NewStdLog(s.logger),
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Serve accepts connections on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("API listening", zap.Stringer("addr", l.Addr()))
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
	return nil
}

// Start listens on addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return s.Serve(l)
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
