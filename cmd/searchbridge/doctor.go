package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"searchbridge/internal/domain"
	"searchbridge/internal/infra/config"
	"searchbridge/internal/usecase/process"
	"searchbridge/internal/usecase/session"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config; some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Provider API key", Fn: checkProviderKey},
		{Name: "Provider connectivity", Fn: checkProviderConnectivity},
		{Name: "Host binary", Fn: checkHostBinary},
		{Name: "Host session", Fn: checkHostSession},
		{Name: "Gateway address", Fn: checkGatewayAddr},
	}

	fmt.Println("searchbridge doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	results := make([]CheckResult, 0, len(checks))

	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		results = append(results, result)

		icon := statusIcon(result.Status)
		fmt.Printf("  %s %s: %s\n", icon, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure searchbridge runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nsearchbridge should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! searchbridge is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and
// parses correctly. A missing file is only a warning: defaults plus
// environment variables are a supported setup.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("config file not found at %s, using defaults", cfgPath),
				Fix:     "Create config.yaml or point --config / SEARCHBRIDGE_CONFIG at one",
			}
		}

		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and values",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkProviderKey verifies the search provider credential is configured.
func checkProviderKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check: config not loaded",
		}
	}

	if cfg.Search.APIKey == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API key for provider %q", cfg.Search.Provider),
			Fix:     "Set SERPER_API_KEY or search.api_key in config.yaml",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("API key configured for provider %q", cfg.Search.Provider),
	}
}

// checkProviderConnectivity tests if the search provider endpoint is
// reachable. No credential is sent.
func checkProviderConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check: config not loaded",
		}
	}

	endpoint := strings.TrimRight(cfg.Search.BaseURL, "/")
	if endpoint == "" {
		endpoint = "https://google.serper.dev"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("failed to create request: %v", err),
		}
	}

	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check your internet connection and firewall settings",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", endpoint, latency.Milliseconds()),
	}
}

// checkHostBinary verifies the tool host command resolves to an executable.
func checkHostBinary(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check: config not loaded",
		}
	}

	if cfg.Host.Command == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "host.command is empty",
			Fix:     "Set host.command in config.yaml (e.g. searchhost)",
		}
	}

	path, err := exec.LookPath(cfg.Host.Command)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("host binary %q not found: %v", cfg.Host.Command, err),
			Fix:     "Build it with 'go build ./cmd/searchhost' and put it on PATH",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("host binary at %s", path),
	}
}

// checkHostSession spawns the tool host, runs the protocol handshake, and
// lists the tools it serves. This exercises the same path the gateway
// takes on the first search.
func checkHostSession(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check: config not loaded",
		}
	}
	if _, err := exec.LookPath(cfg.Host.Command); err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: "skipped: host binary not found",
		}
	}

	// Quiet logger: doctor output stays readable.
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sup := process.NewSupervisor(process.Config{
		StopGrace:       cfg.Host.StopGrace,
		StderrTailBytes: cfg.Host.StderrTailBytes,
	}, log)
	start := func(ctx context.Context, spec domain.ProcessSpec) (session.ProcessHandle, error) {
		return sup.Start(ctx, spec)
	}
	client := session.NewClient(start, hostSpec(cfg), session.Config{
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		ClientName:       cfg.Session.ClientName,
		ClientVersion:    cfg.Session.ClientVersion,
	}, log)
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	started := time.Now()
	if err := client.Initialize(ctx); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("handshake failed: %v", err),
			Fix:     "Run the host binary directly and inspect its stderr",
		}
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("tools/list failed: %v", err),
		}
	}

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	info := client.ServerInfo()

	return CheckResult{
		Status: StatusPass,
		Message: fmt.Sprintf("%s %s ready in %dms, tools: %s",
			info.Name, info.Version, time.Since(started).Milliseconds(), strings.Join(names, ", ")),
	}
}

// checkGatewayAddr verifies the configured listen address is bindable.
func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: "cannot check: config not loaded",
		}
	}

	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Free the port or change gateway.addr",
		}
	}
	ln.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("gateway address %s is bindable", cfg.Gateway.Addr),
	}
}
