package toolhost

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"searchbridge/internal/adapter/search"
)

// Host is the stdio tool server the bridge spawns. Stdout carries the
// protocol stream; all logging belongs on stderr.
type Host struct {
	server *server.MCPServer
	tool   *SearchTool
	logger *slog.Logger
}

// NewHost builds the MCP server and registers the web_search tool.
func NewHost(backend search.Backend, cfg Config, logger *slog.Logger) *Host {
	tool := NewSearchTool(backend, cfg, logger)

	srv := server.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		server.WithToolCapabilities(true),
	)
	srv.AddTool(tool.Definition(), tool.Handle)

	return &Host{
		server: srv,
		tool:   tool,
		logger: logger,
	}
}

// ServeStdio serves the protocol over stdin/stdout until EOF.
func (h *Host) ServeStdio() error {
	h.logger.Info("tool host serving on stdio")
	return server.ServeStdio(h.server)
}
