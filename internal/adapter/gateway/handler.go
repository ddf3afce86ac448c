package gateway

import (
	"context"
	"log/slog"
	"time"

	"searchbridge/internal/domain"
	"searchbridge/internal/protocol"
)

// DefaultCallTimeout bounds one search invocation end to end when the
// deps carry no explicit budget.
const DefaultCallTimeout = 30 * time.Second

// ToolInvoker is the slice of the tool invoker the API handlers need.
// *invoker.Invoker satisfies it.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*domain.ToolResult, error)
	SessionState() domain.SessionState
	ServerInfo() protocol.Implementation
	PendingCalls() int
	Restarts() int64
}

// HandlerDeps holds dependencies needed by the API handlers.
type HandlerDeps struct {
	Invoker ToolInvoker
	Logger  *slog.Logger

	// ServiceName and ServiceVersion show up in the info and status
	// payloads.
	ServiceName    string
	ServiceVersion string

	// CallTimeout bounds each tool invocation.
	CallTimeout time.Duration

	// DefaultResults is used when a request omits max_results;
	// MaxResults is the inclusive cap a request may ask for.
	DefaultResults int
	MaxResults     int
}

// RegisterAPIRoutes wires the REST surface onto the gateway server and
// returns the metrics the handlers feed. Health and info stay open;
// everything else sits behind auth when a token is configured.
func RegisterAPIRoutes(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "searchbridge"
	}
	if deps.ServiceVersion == "" {
		deps.ServiceVersion = "dev"
	}
	if deps.CallTimeout <= 0 {
		deps.CallTimeout = DefaultCallTimeout
	}
	if deps.DefaultResults <= 0 {
		deps.DefaultResults = domain.DefaultMaxResults
	}
	if deps.MaxResults <= 0 || deps.MaxResults > domain.MaxSearchResults {
		deps.MaxResults = domain.MaxSearchResults
	}
	if deps.DefaultResults > deps.MaxResults {
		deps.DefaultResults = deps.MaxResults
	}

	s.RegisterRoute("/", infoHandler(deps))
	s.RegisterRoute("/health", healthHandler(deps, startTime))
	s.RegisterRoute("/search", s.requireAuth(searchHandler(deps, metrics)))
	s.RegisterRoute("/status", s.requireAuth(statusHandler(deps, startTime, metrics)))
	s.RegisterRoute("/metrics", s.requireAuth(metricsHandler(deps, startTime, metrics)))

	return metrics
}
