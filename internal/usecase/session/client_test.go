package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"searchbridge/internal/domain"
	"searchbridge/internal/protocol"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitUntil polls cond until it holds or the timeout passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// fakeHandle stands in for a supervised subprocess, wired up with
// in-memory pipes instead of real stdio.
type fakeHandle struct {
	hostIn  *io.PipeReader // host reads what the client writes
	stdin   *io.PipeWriter
	stdout  *io.PipeReader
	hostOut *io.PipeWriter // host writes what the client reads

	done     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	status domain.ProcessStatus
	exit   domain.ExitEvent
}

func newFakeHandle() *fakeHandle {
	hostIn, stdin := io.Pipe()
	stdout, hostOut := io.Pipe()
	return &fakeHandle{
		hostIn:  hostIn,
		stdin:   stdin,
		stdout:  stdout,
		hostOut: hostOut,
		done:    make(chan struct{}),
		status:  domain.ProcessStatusRunning,
	}
}

func (f *fakeHandle) ID() string            { return "fake-host" }
func (f *fakeHandle) Stdin() io.WriteCloser { return f.stdin }
func (f *fakeHandle) Stdout() io.ReadCloser { return f.stdout }
func (f *fakeHandle) StderrTail() string    { return "" }
func (f *fakeHandle) Done() <-chan struct{} { return f.done }

func (f *fakeHandle) Status() domain.ProcessStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeHandle) Exit() domain.ExitEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exit
}

func (f *fakeHandle) Stop(ctx context.Context) error {
	f.terminate(domain.ProcessStatusKilled, -1)
	return nil
}

// exitSelf emulates the process dying on its own.
func (f *fakeHandle) exitSelf(code int) {
	f.terminate(domain.ProcessStatusExited, code)
}

func (f *fakeHandle) terminate(status domain.ProcessStatus, code int) {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.status = status
		f.exit = domain.ExitEvent{ExitCode: code, EndedAt: time.Now()}
		f.mu.Unlock()
		f.hostOut.Close() // client's reader sees EOF
		f.hostIn.Close()  // client's writes start failing
		close(f.done)
	})
}

// hostScript steers how the fake host behaves.
type hostScript struct {
	initVersion string // protocol version to offer; "" means the current one
	initError   *protocol.RPCError
	initSilent  bool // never answer initialize
	onCall      func(h *fakeHost, req *protocol.Request)
}

// fakeHost is a scripted tool host on the far side of a fakeHandle.
type fakeHost struct {
	t      *testing.T
	h      *fakeHandle
	enc    *protocol.Encoder
	script hostScript

	responses chan *protocol.Response

	mu       sync.Mutex
	requests []*protocol.Request
}

func newFakeHost(t *testing.T, script hostScript) *fakeHost {
	t.Helper()
	h := newFakeHandle()
	host := &fakeHost{
		t:         t,
		h:         h,
		enc:       protocol.NewEncoder(h.hostOut),
		script:    script,
		responses: make(chan *protocol.Response, 8),
	}
	go host.serve()
	return host
}

func (s *fakeHost) serve() {
	dec := protocol.NewDecoder(s.h.hostIn)
	for {
		msg, err := dec.Decode()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *protocol.Request:
			if m.Method == protocol.MethodInitialize {
				s.answerInitialize(m)
				continue
			}
			s.mu.Lock()
			s.requests = append(s.requests, m)
			s.mu.Unlock()
			if s.script.onCall != nil {
				s.script.onCall(s, m)
			}
		case *protocol.Response:
			s.responses <- m
		case *protocol.Notification:
			// initialized lands here; nothing to do
		}
	}
}

func (s *fakeHost) answerInitialize(req *protocol.Request) {
	switch {
	case s.script.initSilent:
	case s.script.initError != nil:
		s.respondError(req.ID, s.script.initError.Code, s.script.initError.Message)
	default:
		version := s.script.initVersion
		if version == "" {
			version = protocol.ProtocolVersion
		}
		s.respondResult(req.ID, protocol.InitializeResult{
			ProtocolVersion: version,
			ServerInfo:      protocol.Implementation{Name: "stub-host", Version: "0.0.1"},
		})
	}
}

func (s *fakeHost) respondResult(id protocol.MessageID, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.t.Errorf("marshaling scripted result: %v", err)
		return
	}
	if err := s.enc.Encode(&protocol.Response{ID: id, Result: raw}); err != nil {
		s.t.Logf("scripted response not delivered: %v", err)
	}
}

func (s *fakeHost) respondError(id protocol.MessageID, code int, msg string) {
	err := s.enc.Encode(&protocol.Response{
		ID:    id,
		Error: &protocol.RPCError{Code: code, Message: msg},
	})
	if err != nil {
		s.t.Logf("scripted error not delivered: %v", err)
	}
}

// writeRaw injects a raw line onto the client's read side, bypassing
// the codec.
func (s *fakeHost) writeRaw(line string) {
	if _, err := io.WriteString(s.h.hostOut, line+"\n"); err != nil {
		s.t.Logf("raw write not delivered: %v", err)
	}
}

func (s *fakeHost) seenRequests() []*protocol.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Request(nil), s.requests...)
}

func newTestClient(t *testing.T, script hostScript, cfg Config) (*Client, *fakeHost) {
	t.Helper()
	host := newFakeHost(t, script)
	start := func(ctx context.Context, spec domain.ProcessSpec) (ProcessHandle, error) {
		return host.h, nil
	}
	c := NewClient(start, domain.ProcessSpec{Command: "stub-host"}, cfg, newTestLogger())
	return c, host
}

// newReadySession hands back a client that has already completed its
// handshake against a scripted host.
func newReadySession(t *testing.T, onCall func(*fakeHost, *protocol.Request)) (*Client, *fakeHost) {
	t.Helper()
	c, host := newTestClient(t, hostScript{onCall: onCall}, Config{})
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, host
}

// echoCall responds to every request with its own params as the result.
func echoCall(h *fakeHost, req *protocol.Request) {
	h.respondResult(req.ID, json.RawMessage(req.Params))
}

func TestInitialize_ReachesReady(t *testing.T) {
	c, _ := newReadySession(t, nil)

	if got := c.State(); got != domain.SessionReady {
		t.Errorf("State() = %s, want %s", got, domain.SessionReady)
	}
	if got := c.ServerInfo().Name; got != "stub-host" {
		t.Errorf("ServerInfo().Name = %q, want %q", got, "stub-host")
	}
}

func TestInitialize_SpawnFailurePassesThrough(t *testing.T) {
	spawnErr := domain.NewSubSystemError("process", "Supervisor.Start", domain.ErrSpawnFailed, "no such binary")
	start := func(ctx context.Context, spec domain.ProcessSpec) (ProcessHandle, error) {
		return nil, spawnErr
	}
	c := NewClient(start, domain.ProcessSpec{Command: "missing"}, Config{}, newTestLogger())

	err := c.Initialize(context.Background())
	if !errors.Is(err, domain.ErrSpawnFailed) {
		t.Errorf("Initialize() error = %v, want ErrSpawnFailed", err)
	}
	if got := c.State(); got != domain.SessionClosed {
		t.Errorf("State() = %s, want %s", got, domain.SessionClosed)
	}
}

func TestInitialize_UnsupportedVersionStopsProcess(t *testing.T) {
	c, host := newTestClient(t, hostScript{initVersion: "1999-01-01"}, Config{})

	err := c.Initialize(context.Background())
	if !errors.Is(err, domain.ErrHandshakeFailed) {
		t.Errorf("Initialize() error = %v, want ErrHandshakeFailed", err)
	}
	if !strings.Contains(err.Error(), "1999-01-01") {
		t.Errorf("error %q does not name the offered version", err)
	}
	if got := c.State(); got != domain.SessionClosed {
		t.Errorf("State() = %s, want %s", got, domain.SessionClosed)
	}
	select {
	case <-host.h.Done():
	default:
		t.Error("subprocess left running after failed handshake")
	}
}

func TestInitialize_ErrorResponse(t *testing.T) {
	c, _ := newTestClient(t, hostScript{
		initError: &protocol.RPCError{Code: protocol.CodeInvalidRequest, Message: "not today"},
	}, Config{})

	err := c.Initialize(context.Background())
	if !errors.Is(err, domain.ErrHandshakeFailed) {
		t.Errorf("Initialize() error = %v, want ErrHandshakeFailed", err)
	}
	if !strings.Contains(err.Error(), "not today") {
		t.Errorf("error %q does not carry the host's message", err)
	}
}

func TestInitialize_Timeout(t *testing.T) {
	c, _ := newTestClient(t, hostScript{initSilent: true}, Config{
		HandshakeTimeout: 150 * time.Millisecond,
	})

	start := time.Now()
	err := c.Initialize(context.Background())
	if !errors.Is(err, domain.ErrHandshakeFailed) {
		t.Errorf("Initialize() error = %v, want ErrHandshakeFailed", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Initialize() took %v, want prompt handshake timeout", elapsed)
	}
	if got := c.State(); got != domain.SessionClosed {
		t.Errorf("State() = %s, want %s", got, domain.SessionClosed)
	}
}

func TestInitialize_SecondCallRejected(t *testing.T) {
	c, _ := newReadySession(t, nil)

	err := c.Initialize(context.Background())
	if !errors.Is(err, domain.ErrSessionNotReady) {
		t.Errorf("second Initialize() error = %v, want ErrSessionNotReady", err)
	}
}

func TestCall_ResolvesOutOfOrderResponses(t *testing.T) {
	var (
		pmu     sync.Mutex
		waiting []*protocol.Request
		release = make(chan struct{})
	)
	onCall := func(h *fakeHost, req *protocol.Request) {
		pmu.Lock()
		waiting = append(waiting, req)
		ready := len(waiting) == 2
		pmu.Unlock()
		if ready {
			close(release)
		}
	}
	c, host := newReadySession(t, onCall)

	// Answer in reverse arrival order once both calls are in flight.
	go func() {
		<-release
		pmu.Lock()
		defer pmu.Unlock()
		for i := len(waiting) - 1; i >= 0; i-- {
			req := waiting[i]
			var p struct {
				Tag string `json:"tag"`
			}
			if err := json.Unmarshal(req.Params, &p); err != nil {
				t.Errorf("unmarshaling scripted params: %v", err)
				return
			}
			host.respondResult(req.ID, map[string]string{"tag": p.Tag})
		}
	}()

	var wg sync.WaitGroup
	for _, tag := range []string{"alpha", "bravo"} {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			var out struct {
				Tag string `json:"tag"`
			}
			if err := c.Call(context.Background(), "echo/tag", map[string]string{"tag": tag}, &out); err != nil {
				t.Errorf("Call(%q) failed: %v", tag, err)
				return
			}
			if out.Tag != tag {
				t.Errorf("call %q received response for %q", tag, out.Tag)
			}
		}(tag)
	}
	wg.Wait()

	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestCall_ManyConcurrent(t *testing.T) {
	c, _ := newReadySession(t, echoCall)

	const calls = 20
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var out struct {
				N int `json:"n"`
			}
			if err := c.Call(context.Background(), "echo/n", map[string]int{"n": n}, &out); err != nil {
				t.Errorf("Call(%d) failed: %v", n, err)
				return
			}
			if out.N != n {
				t.Errorf("call %d received response for %d", n, out.N)
			}
		}(i)
	}
	wg.Wait()

	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestCall_IDsNeverReused(t *testing.T) {
	c, host := newReadySession(t, echoCall)

	for i := 0; i < 5; i++ {
		if err := c.Call(context.Background(), "echo/n", map[string]int{"n": i}, nil); err != nil {
			t.Fatalf("Call(%d) failed: %v", i, err)
		}
	}

	reqs := host.seenRequests()
	if len(reqs) != 5 {
		t.Fatalf("host saw %d requests, want 5", len(reqs))
	}
	var last uint64
	for i, req := range reqs {
		id, ok := req.ID.Uint64()
		if !ok {
			t.Fatalf("request %d has non-numeric id %s", i, req.ID.String())
		}
		if id <= last {
			t.Errorf("request %d id %d not greater than previous %d", i, id, last)
		}
		last = id
	}
}

func TestCall_TimeoutLeavesNoPendingEntry(t *testing.T) {
	c, _ := newReadySession(t, nil) // host swallows every call

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Call(ctx, "slow/op", nil, nil)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("Call() error = %v, want ErrTimeout", err)
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() after timeout = %d, want 0", got)
	}
	// A timeout is the caller's problem, not the session's.
	if got := c.State(); got != domain.SessionReady {
		t.Errorf("State() = %s, want %s", got, domain.SessionReady)
	}
}

func TestCall_LateResponseDiscarded(t *testing.T) {
	staleIDs := make(chan protocol.MessageID, 1)
	onCall := func(h *fakeHost, req *protocol.Request) {
		if req.Method == "slow/op" {
			staleIDs <- req.ID
			return
		}
		h.respondResult(req.ID, map[string]string{"answer": "fresh"})
	}
	c, host := newReadySession(t, onCall)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Call(ctx, "slow/op", nil, nil); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("Call() error = %v, want ErrTimeout", err)
	}

	// The host finally answers the abandoned call; the listener must
	// drop it on the floor.
	host.respondResult(<-staleIDs, map[string]string{"answer": "stale"})
	time.Sleep(50 * time.Millisecond)

	var out struct {
		Answer string `json:"answer"`
	}
	if err := c.Call(context.Background(), "fast/op", nil, &out); err != nil {
		t.Fatalf("follow-up Call() failed: %v", err)
	}
	if out.Answer != "fresh" {
		t.Errorf("follow-up call got %q, want %q", out.Answer, "fresh")
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestProcessExit_ResolvesAllPending(t *testing.T) {
	c, host := newReadySession(t, nil) // host swallows every call

	const calls = 5
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func() {
			errs <- c.Call(context.Background(), "slow/op", nil, nil)
		}()
	}
	waitUntil(t, 2*time.Second, func() bool { return c.PendingCount() == calls },
		"calls never registered as pending")

	host.h.exitSelf(1)

	for i := 0; i < calls; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, domain.ErrSessionClosed) {
				t.Errorf("pending call resolved with %v, want ErrSessionClosed", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pending call never resolved after process exit")
		}
	}

	if got := c.State(); got != domain.SessionClosed {
		t.Errorf("State() = %s, want %s", got, domain.SessionClosed)
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestSend_BeforeInitialize(t *testing.T) {
	c, _ := newTestClient(t, hostScript{}, Config{})

	_, err := c.Send(context.Background(), "tools/list", nil)
	if !errors.Is(err, domain.ErrSessionNotReady) {
		t.Errorf("Send() error = %v, want ErrSessionNotReady", err)
	}
}

func TestSend_AfterClose(t *testing.T) {
	c, _ := newReadySession(t, nil)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	_, err := c.Send(context.Background(), "tools/list", nil)
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("Send() after close error = %v, want ErrSessionClosed", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	c, host := newReadySession(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Close(context.Background()); err != nil {
				t.Errorf("concurrent Close() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := c.State(); got != domain.SessionClosed {
		t.Errorf("State() = %s, want %s", got, domain.SessionClosed)
	}
	select {
	case <-host.h.Done():
	default:
		t.Error("subprocess left running after Close")
	}
}

func TestListen_MalformedFrameDoesNotKillSession(t *testing.T) {
	c, host := newReadySession(t, echoCall)

	host.writeRaw("this is not a frame")
	host.writeRaw(`{"jsonrpc":"2.0","id":9999,"result":{}}`) // unmatched, discarded

	var out struct {
		N int `json:"n"`
	}
	if err := c.Call(context.Background(), "echo/n", map[string]int{"n": 42}, &out); err != nil {
		t.Fatalf("Call() after malformed frame failed: %v", err)
	}
	if out.N != 42 {
		t.Errorf("Call() result = %d, want 42", out.N)
	}
	if got := c.State(); got != domain.SessionReady {
		t.Errorf("State() = %s, want %s", got, domain.SessionReady)
	}
}

func TestListen_OversizedFrameClosesSession(t *testing.T) {
	c, host := newReadySession(t, nil)

	go func() {
		frame := bytes.Repeat([]byte("x"), 10*1024*1024+1024)
		frame = append(frame, '\n')
		host.h.hostOut.Write(frame) // write error expected once the session closes
	}()

	waitUntil(t, 10*time.Second, func() bool { return c.State() == domain.SessionClosed },
		"session never closed after oversized frame")
}

func TestListen_RefusesHostRequests(t *testing.T) {
	c, host := newReadySession(t, nil)

	req, err := protocol.NewRequest(7, "roots/list", nil)
	if err != nil {
		t.Fatalf("building host request: %v", err)
	}
	if err := host.enc.Encode(req); err != nil {
		t.Fatalf("sending host request: %v", err)
	}

	select {
	case resp := <-host.responses:
		if resp.Error == nil {
			t.Fatal("expected an error response")
		}
		if resp.Error.Code != protocol.CodeMethodNotFound {
			t.Errorf("error code = %d, want %d", resp.Error.Code, protocol.CodeMethodNotFound)
		}
		if id, ok := resp.ID.Uint64(); !ok || id != 7 {
			t.Errorf("response id = %s, want 7", resp.ID.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("host request never answered")
	}

	if got := c.State(); got != domain.SessionReady {
		t.Errorf("State() = %s, want %s", got, domain.SessionReady)
	}
}

func TestListen_NotificationsIgnored(t *testing.T) {
	c, host := newReadySession(t, echoCall)

	note, err := protocol.NewNotification("progress/update", map[string]int{"pct": 50})
	if err != nil {
		t.Fatalf("building notification: %v", err)
	}
	if err := host.enc.Encode(note); err != nil {
		t.Fatalf("sending notification: %v", err)
	}

	if err := c.Call(context.Background(), "echo/n", map[string]int{"n": 1}, nil); err != nil {
		t.Fatalf("Call() after notification failed: %v", err)
	}
}

func TestCallTool_DecodesResult(t *testing.T) {
	onCall := func(h *fakeHost, req *protocol.Request) {
		var params protocol.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			h.t.Errorf("unmarshaling tool params: %v", err)
			return
		}
		h.respondResult(req.ID, protocol.CallToolResult{
			Content: []protocol.ContentItem{{Type: "text", Text: "payload for " + params.Name}},
		})
	}
	c, _ := newReadySession(t, onCall)

	result, err := c.CallTool(context.Background(), domain.ToolCall{
		Name:      "web_search",
		Arguments: map[string]any{"query": "golang"},
	})
	if err != nil {
		t.Fatalf("CallTool() failed: %v", err)
	}
	if result.IsError {
		t.Error("IsError = true, want false")
	}
	if len(result.Content) != 1 || result.Content[0].Text != "payload for web_search" {
		t.Errorf("Content = %+v, want single text item", result.Content)
	}
}

func TestCallTool_PreservesItemCountAndOrder(t *testing.T) {
	onCall := func(h *fakeHost, req *protocol.Request) {
		items := make([]protocol.ContentItem, 5)
		for i := range items {
			items[i] = protocol.ContentItem{Type: "text", Text: fmt.Sprintf("item %d", i)}
		}
		h.respondResult(req.ID, protocol.CallToolResult{Content: items})
	}
	c, _ := newReadySession(t, onCall)

	result, err := c.CallTool(context.Background(), domain.ToolCall{
		Name:      "web_search",
		Arguments: map[string]any{"query": "golang"},
	})
	if err != nil {
		t.Fatalf("CallTool() failed: %v", err)
	}
	if result.IsError {
		t.Error("IsError = true, want false")
	}
	if len(result.Content) != 5 {
		t.Fatalf("Content items = %d, want 5", len(result.Content))
	}
	for i, item := range result.Content {
		if want := fmt.Sprintf("item %d", i); item.Text != want {
			t.Errorf("Content[%d].Text = %q, want %q", i, item.Text, want)
		}
	}
}

func TestCallTool_ProviderErrorSurfacesVerbatim(t *testing.T) {
	onCall := func(h *fakeHost, req *protocol.Request) {
		h.respondError(req.ID, -32050, "search backend on fire")
	}
	c, _ := newReadySession(t, onCall)

	_, err := c.CallTool(context.Background(), domain.ToolCall{Name: "web_search"})
	var rpcErr *protocol.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("CallTool() error = %T %v, want *protocol.RPCError", err, err)
	}
	if rpcErr.Code != -32050 {
		t.Errorf("Code = %d, want -32050", rpcErr.Code)
	}
	if rpcErr.Message != "search backend on fire" {
		t.Errorf("Message = %q, want %q", rpcErr.Message, "search backend on fire")
	}
}

func TestListTools(t *testing.T) {
	onCall := func(h *fakeHost, req *protocol.Request) {
		if req.Method != protocol.MethodToolsList {
			h.t.Errorf("method = %q, want %q", req.Method, protocol.MethodToolsList)
		}
		h.respondResult(req.ID, protocol.ListToolsResult{
			Tools: []protocol.ToolDescriptor{{Name: "web_search", Description: "search the web"}},
		})
	}
	c, _ := newReadySession(t, onCall)

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "web_search" {
		t.Errorf("ListTools() = %+v, want single web_search entry", tools)
	}
}

func TestCall_WriteFailureAfterProcessDeath(t *testing.T) {
	c, host := newReadySession(t, echoCall)

	host.h.exitSelf(1)
	waitUntil(t, 2*time.Second, func() bool { return c.State() == domain.SessionClosed },
		"session never observed process exit")

	err := c.Call(context.Background(), "echo/n", map[string]int{"n": 1}, nil)
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("Call() after exit error = %v, want ErrSessionClosed", err)
	}
}

func TestPendingCall_AwaitPrefersRacedResult(t *testing.T) {
	c, host := newReadySession(t, nil)

	pc, err := c.Send(context.Background(), "slow/op", nil)
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	// Resolve just before awaiting with an already-expired context; the
	// delivered outcome must win over the timeout report.
	reqs := waitForRequests(t, host, 1)
	host.respondResult(reqs[0].ID, map[string]string{"answer": "made it"})
	waitUntil(t, 2*time.Second, func() bool { return c.PendingCount() == 0 },
		"response never resolved the pending call")

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	resp, err := pc.Await(ctx)
	if err != nil {
		t.Fatalf("Await() = %v, want the delivered response", err)
	}
	if resp == nil || resp.Error != nil {
		t.Errorf("Await() response = %+v, want a result", resp)
	}
}

func waitForRequests(t *testing.T, host *fakeHost, n int) []*protocol.Request {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool { return len(host.seenRequests()) >= n },
		fmt.Sprintf("host never saw %d requests", n))
	return host.seenRequests()
}
