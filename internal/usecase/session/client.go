// Package session speaks the wire protocol with one tool-host
// subprocess: it spawns the process, performs the handshake, correlates
// concurrent requests with their responses, and tears everything down
// when either side ends the conversation.
//
// A Client is single-shot. Once it reaches the closed state it never
// leaves it; callers wanting a fresh session build a fresh Client.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"searchbridge/internal/domain"
	"searchbridge/internal/infra/tracer"
	"searchbridge/internal/protocol"
)

// DefaultHandshakeTimeout bounds the whole initialize exchange.
const DefaultHandshakeTimeout = 10 * time.Second

// ProcessHandle is the slice of a supervised process the session needs.
// *process.Handle satisfies it.
type ProcessHandle interface {
	ID() string
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Status() domain.ProcessStatus
	StderrTail() string
	Done() <-chan struct{}
	Exit() domain.ExitEvent
	Stop(ctx context.Context) error
}

// StartFunc spawns the tool-host subprocess for a session.
type StartFunc func(ctx context.Context, spec domain.ProcessSpec) (ProcessHandle, error)

// Config tunes a session client. Zero values fall back to defaults.
type Config struct {
	// HandshakeTimeout bounds Initialize from spawn to ready.
	HandshakeTimeout time.Duration

	// ClientName and ClientVersion identify this client during the
	// handshake.
	ClientName    string
	ClientVersion string
}

// Client drives one protocol session over a subprocess's stdio.
//
// All writes go through the encoder's mutex; a single background
// listener owns the read side and resolves pending calls by id. Ids are
// assigned from an atomic counter and never reused within a session.
type Client struct {
	cfg    Config
	spec   domain.ProcessSpec
	start  StartFunc
	logger *slog.Logger

	state  atomic.Int32
	nextID atomic.Uint64

	enc *protocol.Encoder
	dec *protocol.Decoder

	mu         sync.Mutex
	handle     ProcessHandle
	pending    map[uint64]*PendingCall
	serverInfo protocol.Implementation

	closeOnce sync.Once
}

// NewClient prepares a session for the tool host described by spec.
// Nothing is spawned until Initialize.
func NewClient(start StartFunc, spec domain.ProcessSpec, cfg Config, logger *slog.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "searchbridge"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg,
		spec:    spec,
		start:   start,
		logger:  logger,
		pending: make(map[uint64]*PendingCall),
	}
	c.state.Store(int32(domain.SessionUninitialized))
	return c
}

// State reports the current session state.
func (c *Client) State() domain.SessionState {
	return domain.SessionState(c.state.Load())
}

// ServerInfo returns the tool host's self-description from the
// handshake. Zero until the session is ready.
func (c *Client) ServerInfo() protocol.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// PendingCount reports how many calls are awaiting responses.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Initialize spawns the tool host and runs the handshake: initialize
// request, protocol version check, initialized notification. On any
// failure the subprocess is stopped and the session lands in the
// closed state.
func (c *Client) Initialize(ctx context.Context) error {
	const op = "Client.Initialize"

	if !c.state.CompareAndSwap(int32(domain.SessionUninitialized), int32(domain.SessionHandshaking)) {
		return c.wrongStateErr(op)
	}

	h, err := c.start(ctx, c.spec)
	if err != nil {
		c.state.Store(int32(domain.SessionClosed))
		return err
	}

	c.mu.Lock()
	if c.pending == nil {
		// Closed while spawning; don't leak the process.
		c.mu.Unlock()
		_ = h.Stop(context.Background())
		return domain.NewSubSystemError("session", op, domain.ErrSessionClosed, "closed during initialization")
	}
	c.handle = h
	c.enc = protocol.NewEncoder(h.Stdin())
	c.dec = protocol.NewDecoder(h.Stdout())
	c.mu.Unlock()

	go c.listen()
	go c.watchProcess(h)

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	if err := c.handshake(hctx); err != nil {
		werr := domain.NewSubSystemError("session", op, domain.ErrHandshakeFailed, err.Error())
		c.closeWith(ctx, werr)
		if tail := h.StderrTail(); tail != "" {
			c.logger.Warn("handshake failed, tool host stderr follows",
				"process_id", h.ID(),
				"stderr", tail)
		}
		return werr
	}

	c.state.Store(int32(domain.SessionReady))

	info := c.ServerInfo()
	c.logger.Info("session ready",
		"process_id", h.ID(),
		"server", info.Name,
		"server_version", info.Version)
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    protocol.ClientCapabilities{},
		ClientInfo: protocol.Implementation{
			Name:    c.cfg.ClientName,
			Version: c.cfg.ClientVersion,
		},
	}

	var result protocol.InitializeResult
	if err := c.roundTrip(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return err
	}
	if !protocol.IsSupportedProtocolVersion(result.ProtocolVersion) {
		return fmt.Errorf("tool host offered unsupported protocol version %q", result.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	note, err := protocol.NewNotification(protocol.MethodInitialized, nil)
	if err != nil {
		return err
	}
	return c.enc.Encode(note)
}

// Send assigns a fresh id, registers the pending call, and writes the
// request frame. Registration happens before the write so a fast
// response can never beat its own bookkeeping.
func (c *Client) Send(ctx context.Context, method string, params any) (*PendingCall, error) {
	const op = "Client.Send"

	if c.State() != domain.SessionReady {
		return nil, c.wrongStateErr(op)
	}
	return c.send(ctx, method, params)
}

// send is Send without the state gate; the handshake uses it while the
// session is still handshaking.
func (c *Client) send(ctx context.Context, method string, params any) (*PendingCall, error) {
	const op = "Client.Send"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	pc := &PendingCall{
		id:     id,
		method: method,
		sentAt: time.Now(),
		c:      c,
		ch:     make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, domain.NewSubSystemError("session", op, domain.ErrSessionClosed, "session is closed")
	}
	c.pending[id] = pc
	enc := c.enc
	c.mu.Unlock()

	if err := enc.Encode(req); err != nil {
		c.forget(id)
		return nil, domain.NewSubSystemError("session", op, domain.ErrSessionClosed,
			fmt.Sprintf("write %s call %d: %v", method, id, err))
	}
	return pc, nil
}

// Call is Send plus Await plus result decoding. A provider error
// response comes back as the *protocol.RPCError itself so callers can
// inspect its code and message.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	ctx, span := tracer.StartSpan(ctx, "session.call",
		trace.WithAttributes(tracer.StringAttr("rpc.method", method)))
	defer span.End()

	pc, err := c.Send(ctx, method, params)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	if err := c.await(ctx, pc, result); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method string, params, result any) error {
	pc, err := c.send(ctx, method, params)
	if err != nil {
		return err
	}
	return c.await(ctx, pc, result)
}

func (c *Client) await(ctx context.Context, pc *PendingCall, result any) error {
	resp, err := pc.Await(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return domain.NewSubSystemError("session", "Client.Call", domain.ErrProtocol,
				fmt.Sprintf("decode %s result: %v", pc.method, err))
		}
	}
	return nil
}

// CallTool invokes a named tool on the host.
func (c *Client) CallTool(ctx context.Context, call domain.ToolCall) (*protocol.CallToolResult, error) {
	params := protocol.CallToolParams{Name: call.Name, Arguments: call.Arguments}
	var result protocol.CallToolResult
	if err := c.Call(ctx, protocol.MethodToolsCall, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTools asks the host what tools it serves.
func (c *Client) ListTools(ctx context.Context) ([]protocol.ToolDescriptor, error) {
	var result protocol.ListToolsResult
	if err := c.Call(ctx, protocol.MethodToolsList, nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// Close ends the session: the subprocess is stopped and every pending
// call resolves with a closed-session error. Idempotent and safe from
// any state.
func (c *Client) Close(ctx context.Context) error {
	c.closeWith(ctx, domain.NewSubSystemError("session", "Client.Close", domain.ErrSessionClosed, "session closed"))
	return nil
}

// closeWith performs the one and only teardown. The cause is what every
// in-flight call will see.
func (c *Client) closeWith(ctx context.Context, cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(domain.SessionClosed))

		c.mu.Lock()
		h := c.handle
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		if h != nil {
			_ = h.Stop(ctx)
			// Unblocks the listener if it is still mid-read.
			_ = h.Stdout().Close()
		}

		for _, pc := range pending {
			pc.deliver(nil, cause)
		}

		procID := ""
		if h != nil {
			procID = h.ID()
		}
		c.logger.Info("session closed",
			"process_id", procID,
			"interrupted_calls", len(pending),
			"cause", cause.Error())
	})
}

// forget drops a pending entry, if it is still registered.
func (c *Client) forget(id uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// listen owns the read side: it decodes frames until the stream dies,
// resolving responses, logging notifications, and refusing requests.
// Malformed frames are logged and skipped; anything that breaks the
// stream itself closes the session.
func (c *Client) listen() {
	for {
		msg, err := c.dec.Decode()
		if err != nil {
			if errors.Is(err, domain.ErrProtocol) {
				c.logger.Warn("discarding malformed frame", "error", err)
				continue
			}
			cause := domain.NewSubSystemError("session", "Client.Listen", domain.ErrSessionClosed, "stream ended")
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Warn("session stream failed", "error", err)
				cause = domain.NewSubSystemError("session", "Client.Listen", domain.ErrSessionClosed,
					fmt.Sprintf("stream failed: %v", err))
			}
			c.closeWith(context.Background(), cause)
			return
		}

		switch m := msg.(type) {
		case *protocol.Response:
			c.resolve(m)
		case *protocol.Notification:
			c.logger.Debug("tool host notification", "method", m.Method)
		case *protocol.Request:
			c.refuse(m)
		}
	}
}

// resolve routes a response to its pending call. Responses with no
// match, stale or otherwise, are discarded with a log line.
func (c *Client) resolve(resp *protocol.Response) {
	id, ok := resp.ID.Uint64()
	if !ok {
		c.logger.Warn("discarding response with foreign id", "id", resp.ID.String())
		return
	}

	c.mu.Lock()
	pc, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !found {
		c.logger.Warn("discarding unmatched response", "id", id)
		return
	}
	pc.deliver(resp, nil)
}

// refuse answers a server-initiated request with method-not-found. The
// bridge only ever acts as the calling side.
func (c *Client) refuse(req *protocol.Request) {
	c.logger.Debug("refusing tool host request", "method", req.Method, "id", req.ID.String())
	resp := &protocol.Response{
		ID: req.ID,
		Error: &protocol.RPCError{
			Code:    protocol.CodeMethodNotFound,
			Message: "client does not serve requests",
		},
	}
	if err := c.enc.Encode(resp); err != nil {
		c.logger.Debug("refusal not delivered", "error", err)
	}
}

// watchProcess turns a subprocess exit into session teardown, whether
// or not the read side has noticed yet.
func (c *Client) watchProcess(h ProcessHandle) {
	<-h.Done()
	ev := h.Exit()

	detail := fmt.Sprintf("process exited with code %d", ev.ExitCode)
	c.closeWith(context.Background(),
		domain.NewSubSystemError("session", "Client.Watch", domain.ErrSessionClosed, detail))

	// A status of killed means we stopped it ourselves; only a process
	// that died on its own terms warrants the stderr dump.
	if h.Status() == domain.ProcessStatusExited && ev.ExitCode != 0 && ev.StderrTail != "" {
		c.logger.Warn("tool host exited abnormally",
			"process_id", h.ID(),
			"exit_code", ev.ExitCode,
			"stderr", ev.StderrTail)
	}
}

func (c *Client) wrongStateErr(op string) error {
	st := c.State()
	if st == domain.SessionClosed {
		return domain.NewSubSystemError("session", op, domain.ErrSessionClosed, "session is closed")
	}
	return domain.NewSubSystemError("session", op, domain.ErrSessionNotReady,
		fmt.Sprintf("session state is %s", st))
}
