// Package httpapi serves the local control endpoint that test runners use to
// open and close test contexts.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/coral-mesh/coverage-agent/internal/codec"
	"github.com/coral-mesh/coverage-agent/internal/constants"
	"github.com/coral-mesh/coverage-agent/internal/coverage"
	"github.com/coral-mesh/coverage-agent/internal/sender"
)

// Recorder is the subset of coverage.Recorder the endpoint drives.
type Recorder interface {
	StartRecording(key coverage.ContextKey)
	StopRecording(key coverage.ContextKey) []coverage.ExecDatum
	Cancel(key coverage.ContextKey) bool
	ActiveSessions() map[string][]string
	Unreleased() []coverage.ExecDatum
}

// Config contains dependencies for creating a control server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:9095". Port 0 picks a
	// free port.
	Addr string

	// Token, when set, is required as a Bearer token on /v1 routes.
	Token string

	// RateLimit caps /v1 requests per client, e.g. "100/second". Empty
	// disables limiting.
	RateLimit string

	Recorder Recorder

	// Status reports the sender state on /health. Optional.
	Status func() sender.Status

	// Meta is stamped on snapshot responses.
	Meta codec.Meta

	Logger zerolog.Logger
}

// Server is the control HTTP server.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	serveErr error
}

// New creates a control server. It does not listen until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = constants.DefaultControlAddr
	}
	limit, err := ParseRateLimit(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.With().Str("component", "httpapi").Logger()

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h2c.NewHandler(newHandler(cfg, limit, logger), &http2.Server{}),
			ReadHeaderTimeout: constants.DefaultReadHeaderTimeout,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}, nil
}

// newHandler builds the routing and middleware chain.
// /health and /metrics bypass authentication and rate limiting.
func newHandler(cfg Config, limit *RateLimit, logger zerolog.Logger) http.Handler {
	h := &handlers{
		recorder: cfg.Recorder,
		status:   cfg.Status,
		meta:     cfg.Meta,
		logger:   logger,
	}

	api := http.NewServeMux()
	h.register(api)

	var protected http.Handler = api
	if limit != nil {
		protected = NewRateLimitMiddleware(limit, logger).Handler(protected)
	}
	if cfg.Token != "" {
		protected = NewAuthMiddleware(cfg.Token, logger).Handler(protected)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /health", h.health)
	root.Handle("GET /metrics", h.metrics())
	root.Handle("/v1/", protected)

	return NewAuditMiddleware(logger).Handler(root)
}

// Start listens on the configured address and serves in the background.
// Listen errors are returned synchronously.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("control server already started")
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = listener
	s.done = make(chan struct{})

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Control server started")

	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Control server error")
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
		}
	}()
	return nil
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// within timeout.
func (s *Server) Run(ctx context.Context, timeout time.Duration) error {
	if err := s.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.serveErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping control server")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
