// Package invoker executes named tools against a lazily built protocol
// session and maps provider failures into the bridge's error taxonomy.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"searchbridge/internal/domain"
	"searchbridge/internal/infra/tracer"
	"searchbridge/internal/protocol"
)

// DefaultListToolsTimeout bounds the tool inventory probe after a
// session comes up.
const DefaultListToolsTimeout = 5 * time.Second

// Session is the slice of a protocol session the invoker drives.
// *session.Client satisfies it.
type Session interface {
	Initialize(ctx context.Context) error
	CallTool(ctx context.Context, call domain.ToolCall) (*protocol.CallToolResult, error)
	ListTools(ctx context.Context) ([]protocol.ToolDescriptor, error)
	State() domain.SessionState
	ServerInfo() protocol.Implementation
	PendingCount() int
	Close(ctx context.Context) error
}

// SessionFactory builds a fresh, uninitialized session. Sessions are
// single-shot, so every recovery goes through the factory again.
type SessionFactory func() Session

// Config tunes the invoker. Zero values fall back to defaults.
type Config struct {
	ListToolsTimeout time.Duration
}

// Invoker owns at most one live session at a time. The first valid
// Invoke builds it; later invokes reuse it until it dies, and a session
// lost mid-call is replaced exactly once before the failure surfaces.
type Invoker struct {
	cfg     Config
	factory SessionFactory
	logger  *slog.Logger

	mu      sync.Mutex
	session Session

	restarts atomic.Int64
}

// NewInvoker creates an invoker around the given session factory.
func NewInvoker(factory SessionFactory, cfg Config, logger *slog.Logger) *Invoker {
	if cfg.ListToolsTimeout <= 0 {
		cfg.ListToolsTimeout = DefaultListToolsTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{cfg: cfg, factory: factory, logger: logger}
}

// Invoke runs the named tool with the given arguments, bounded by
// timeout. Arguments are validated before any session work, so a bad
// call never spawns or touches a subprocess.
func (inv *Invoker) Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*domain.ToolResult, error) {
	const op = "Invoker.Invoke"

	if strings.TrimSpace(name) == "" {
		return nil, domain.NewSubSystemError("invoker", op, domain.ErrInvalidInput, "tool name must not be empty")
	}
	if timeout <= 0 {
		return nil, domain.NewSubSystemError("invoker", op, domain.ErrInvalidInput, "timeout must be positive")
	}

	ctx, span := tracer.StartSpan(ctx, "invoker.invoke",
		trace.WithAttributes(tracer.StringAttr("tool.name", name)))
	defer span.End()

	call := domain.ToolCall{Name: name, Arguments: args}

	result, err := inv.invokeOnce(ctx, call, timeout)
	if err != nil && errors.Is(err, domain.ErrSessionClosed) && ctx.Err() == nil {
		// The session died under this call. One fresh session, one
		// retry; a second failure is the caller's news.
		inv.logger.Warn("session lost mid-call, retrying once on a fresh session",
			"tool", name,
			"error", err)
		result, err = inv.invokeOnce(ctx, call, timeout)
	}
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return result, nil
}

func (inv *Invoker) invokeOnce(ctx context.Context, call domain.ToolCall, timeout time.Duration) (*domain.ToolResult, error) {
	const op = "Invoker.Invoke"

	sess, err := inv.acquire(ctx)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	res, err := sess.CallTool(cctx, call)
	if err != nil {
		var rpcErr *protocol.RPCError
		if errors.As(err, &rpcErr) {
			return nil, domain.NewSubSystemError("invoker", op, domain.ErrToolExecution,
				fmt.Sprintf("provider error %d: %s", rpcErr.Code, rpcErr.Message))
		}
		return nil, err
	}

	content := flattenContent(res.Content)
	if res.IsError {
		return nil, domain.NewSubSystemError("invoker", op, domain.ErrToolExecution, content)
	}

	inv.logger.Debug("tool call completed",
		"tool", call.Name,
		"duration", time.Since(started).Round(time.Millisecond).String())

	return &domain.ToolResult{Content: content}, nil
}

// acquire hands back a ready session, building a fresh one when none is
// live. Serialized so concurrent invokes share a single spawn.
func (inv *Invoker) acquire(ctx context.Context) (Session, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.session != nil && inv.session.State() == domain.SessionReady {
		return inv.session, nil
	}

	if inv.session != nil {
		// Terminal by now; Close is idempotent.
		_ = inv.session.Close(ctx)
		inv.session = nil
		inv.restarts.Add(1)
	}

	sess := inv.factory()
	if err := sess.Initialize(ctx); err != nil {
		return nil, err
	}
	inv.session = sess

	inv.probeTools(ctx, sess)
	return sess, nil
}

// probeTools logs the host's tool inventory. Failures are log-only; a
// host that cannot list tools may still serve calls.
func (inv *Invoker) probeTools(ctx context.Context, sess Session) {
	pctx, cancel := context.WithTimeout(ctx, inv.cfg.ListToolsTimeout)
	defer cancel()

	tools, err := sess.ListTools(pctx)
	if err != nil {
		inv.logger.Debug("tool inventory probe failed", "error", err)
		return
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	inv.logger.Info("tool host ready",
		"server", sess.ServerInfo().Name,
		"tools", strings.Join(names, ","))
}

// SessionState reports the live session's state, or uninitialized when
// none has been built yet.
func (inv *Invoker) SessionState() domain.SessionState {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.session == nil {
		return domain.SessionUninitialized
	}
	return inv.session.State()
}

// ServerInfo returns the tool host's self-description, zero until a
// handshake has completed.
func (inv *Invoker) ServerInfo() protocol.Implementation {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.session == nil {
		return protocol.Implementation{}
	}
	return inv.session.ServerInfo()
}

// PendingCalls reports in-flight calls on the live session.
func (inv *Invoker) PendingCalls() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.session == nil {
		return 0
	}
	return inv.session.PendingCount()
}

// Restarts reports how many dead sessions have been replaced.
func (inv *Invoker) Restarts() int64 {
	return inv.restarts.Load()
}

// Close tears down the live session. The invoker stays usable: the next
// Invoke builds a fresh session and subprocess.
func (inv *Invoker) Close(ctx context.Context) error {
	inv.mu.Lock()
	sess := inv.session
	inv.session = nil
	inv.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Close(ctx)
}

// flattenContent joins the textual content items into one payload.
func flattenContent(items []protocol.ContentItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}
