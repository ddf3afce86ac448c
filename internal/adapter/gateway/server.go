// Package gateway exposes the bridge's HTTP surface: the search
// endpoint, health and status reporting, and text-format metrics.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"searchbridge/internal/infra/middleware"
)

// Config tunes the HTTP server.
type Config struct {
	// Addr is the listen address, host:port. Port 0 picks a free port.
	Addr string

	// AuthToken enables static bearer auth on the API routes when set.
	AuthToken string

	// RateLimitPerMin enables per-client-IP rate limiting when > 0.
	RateLimitPerMin int
	// RateLimitBurst caps short bursts; defaults to RateLimitPerMin.
	RateLimitBurst int
}

// Server is the HTTP gateway in front of the tool invoker.
type Server struct {
	cfg    Config
	auth   Authenticator
	logger *slog.Logger

	routes    []route
	httpSrv   *http.Server
	boundAddr string
}

type route struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server. Routes must be registered before
// Start.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}
	if cfg.AuthToken != "" {
		s.auth = NewStaticTokenAuth(cfg.AuthToken)
	}
	return s
}

// RegisterRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start.
func (s *Server) RegisterRoute(pattern string, handler http.HandlerFunc) {
	s.routes = append(s.routes, route{pattern: pattern, handler: handler})
}

// Start begins serving. Blocks until the context is cancelled or the
// listener fails. The context also bounds the rate limiter's cleanup
// goroutine.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	for _, rt := range s.routes {
		mux.HandleFunc(rt.pattern, rt.handler)
	}

	var handler http.Handler = mux
	if s.cfg.RateLimitPerMin > 0 {
		burst := s.cfg.RateLimitBurst
		if burst <= 0 {
			burst = s.cfg.RateLimitPerMin
		}
		handler = middleware.RateLimit(ctx, s.cfg.RateLimitPerMin, burst)(handler)
	}
	handler = middleware.SecurityHeaders(handler)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid
// after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }
