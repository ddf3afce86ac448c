//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"searchbridge/internal/adapter/gateway"
	"searchbridge/internal/adapter/search"
	"searchbridge/internal/domain"
	"searchbridge/internal/infra/config"
	"searchbridge/internal/usecase/invoker"
	"searchbridge/internal/usecase/process"
	"searchbridge/internal/usecase/session"
)

// buildStack wires supervisor, session factory, and invoker around the
// given host spec, the same way the binary does.
func buildStack(log *slog.Logger, spec domain.ProcessSpec) *invoker.Invoker {
	sup := process.NewSupervisor(process.Config{StopGrace: 2 * time.Second}, log)
	start := func(ctx context.Context, spec domain.ProcessSpec) (session.ProcessHandle, error) {
		return sup.Start(ctx, spec)
	}
	factory := func() invoker.Session {
		return session.NewClient(start, spec, session.Config{}, log)
	}
	return invoker.NewInvoker(factory, invoker.Config{}, log)
}

func waitForGateway(t *testing.T, srv *gateway.Server) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.BoundAddr(); addr != "" {
			return "http://" + addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway did not start")
	return ""
}

func postSearch(t *testing.T, baseURL, body string) (*http.Response, searchAPIResponse) {
	t.Helper()
	resp, err := http.Post(baseURL+"/search", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /search: %v", err)
	}
	defer resp.Body.Close()

	var decoded searchAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

type searchAPIResponse struct {
	Status   string                `json:"status"`
	Results  []domain.SearchResult `json:"results"`
	Metadata domain.SearchMetadata `json:"metadata"`
	Error    string                `json:"error"`
}

func TestE2E_SearchThroughFullStack(t *testing.T) {
	SkipIfShort(t)

	ctx := NewTestContext(t, 60*time.Second)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	spec := WriteStubHost(t, t.TempDir(), false)
	inv := buildStack(log, spec)
	defer inv.Close(context.Background())

	srv := gateway.NewServer(gateway.Config{Addr: "127.0.0.1:0"}, log)
	gateway.RegisterAPIRoutes(srv, gateway.HandlerDeps{Invoker: inv, Logger: log})

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(serveCtx) }()

	baseURL := waitForGateway(t, srv)

	// The first search spawns the host, runs the handshake, and invokes
	// the tool.
	resp, decoded := postSearch(t, baseURL, `{"query":"golang"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %+v", resp.StatusCode, decoded)
	}
	if decoded.Status != "success" {
		t.Errorf("status field = %q", decoded.Status)
	}
	if len(decoded.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(decoded.Results))
	}
	if decoded.Results[0].URL != "https://example.com/go" {
		t.Errorf("url = %q", decoded.Results[0].URL)
	}
	if decoded.Metadata.Provider != "stub" {
		t.Errorf("provider = %q", decoded.Metadata.Provider)
	}

	// The session stays up for the next request.
	if got := inv.SessionState(); got != domain.SessionReady {
		t.Errorf("session state = %v, want ready", got)
	}

	// Health reflects the live session.
	hr, err := http.Get(baseURL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer hr.Body.Close()
	if hr.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", hr.StatusCode)
	}

	cancelServe()
	if err := <-errCh; err != nil {
		t.Errorf("gateway: %v", err)
	}
}

func TestE2E_FreshHostAfterCrash(t *testing.T) {
	SkipIfShort(t)

	ctx := NewTestContext(t, 60*time.Second)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	// This host exits right after serving its first call.
	spec := WriteStubHost(t, t.TempDir(), true)
	inv := buildStack(log, spec)
	defer inv.Close(context.Background())

	srv := gateway.NewServer(gateway.Config{Addr: "127.0.0.1:0"}, log)
	gateway.RegisterAPIRoutes(srv, gateway.HandlerDeps{Invoker: inv, Logger: log})

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(serveCtx) }()

	baseURL := waitForGateway(t, srv)

	resp1, _ := postSearch(t, baseURL, `{"query":"golang"}`)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first search status = %d", resp1.StatusCode)
	}

	// Wait for the exit to be noticed so the second request starts from
	// a dead session rather than racing it.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && inv.SessionState() != domain.SessionClosed {
		time.Sleep(10 * time.Millisecond)
	}

	resp2, decoded := postSearch(t, baseURL, `{"query":"golang"}`)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("second search status = %d, body: %+v", resp2.StatusCode, decoded)
	}
	if len(decoded.Results) != 1 {
		t.Errorf("second search results = %d, want 1", len(decoded.Results))
	}

	if inv.Restarts() < 1 {
		t.Errorf("restarts = %d, want >= 1", inv.Restarts())
	}

	cancelServe()
	<-errCh
}

func TestE2E_SerperLive(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoAPIKey(t, cfg.SerperKey, "SERPER")

	ctx := NewTestContext(t, cfg.TestTimeout)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend := search.NewSerperBackend(config.SearchConfig{
		Provider:       "serper",
		APIKey:         cfg.SerperKey,
		RequestTimeout: 20 * time.Second,
	}, log)

	results, err := backend.Search(ctx, "golang concurrency patterns", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results from live provider")
	}
	for i, r := range results {
		if !strings.HasPrefix(r.URL, "http") {
			t.Errorf("result %d url = %q", i, r.URL)
		}
		if r.Title == "" {
			t.Errorf("result %d has empty title", i)
		}
		if r.Rank < 1 {
			t.Errorf("result %d rank = %d", i, r.Rank)
		}
	}
	t.Logf("live search returned %d results", len(results))
}
