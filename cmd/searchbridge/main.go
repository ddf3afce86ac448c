package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"searchbridge/cmd/searchbridge/daemon"
	"searchbridge/internal/adapter/gateway"
	"searchbridge/internal/domain"
	"searchbridge/internal/infra/config"
	"searchbridge/internal/infra/logger"
	"searchbridge/internal/infra/tracer"
	"searchbridge/internal/usecase/invoker"
	"searchbridge/internal/usecase/process"
	"searchbridge/internal/usecase/session"
)

// version is stamped by the build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "run":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "daemon":
		if err := runDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("searchbridge %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'searchbridge --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`searchbridge - web search over HTTP, backed by a supervised tool host

USAGE:
    searchbridge [COMMAND] [FLAGS]

COMMANDS:
    run         Start the gateway (default when no command is given)
    daemon      Manage searchbridge as system service
                Subcommands: install, uninstall, status
    doctor      Run health checks on your setup
    version     Print the version

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: SEARCHBRIDGE_* variables override config
                 SERPER_API_KEY supplies the provider credential

EXAMPLES:
    searchbridge                                 # Run with config.yaml
    searchbridge --config /etc/searchbridge.yaml # Run with custom config
    SERPER_API_KEY=... searchbridge              # Credential from env
    searchbridge daemon install                  # Install as system service
    searchbridge doctor                          # Check system health`)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Tool host supervisor
	sup := process.NewSupervisor(process.Config{
		StopGrace:       cfg.Host.StopGrace,
		StderrTailBytes: cfg.Host.StderrTailBytes,
	}, log)
	spec := hostSpec(cfg)

	// 4. Session factory: every session, first or recovery, spawns a
	// fresh host through the supervisor.
	start := func(ctx context.Context, spec domain.ProcessSpec) (session.ProcessHandle, error) {
		return sup.Start(ctx, spec)
	}
	sessionCfg := session.Config{
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		ClientName:       cfg.Session.ClientName,
		ClientVersion:    cfg.Session.ClientVersion,
	}
	factory := func() invoker.Session {
		return session.NewClient(start, spec, sessionCfg, log)
	}

	// 5. Invoker
	inv := invoker.NewInvoker(factory, invoker.Config{
		ListToolsTimeout: cfg.Session.ListToolsTimeout,
	}, log)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := inv.Close(closeCtx); err != nil {
			log.Error("session close error", "error", err)
		}
	}()

	// 6. Gateway
	srv := gateway.NewServer(gateway.Config{
		Addr:            cfg.Gateway.Addr,
		AuthToken:       cfg.Gateway.AuthToken,
		RateLimitPerMin: cfg.Gateway.RateLimitPerMin,
		RateLimitBurst:  cfg.Gateway.RateLimitBurst,
	}, log)
	gateway.RegisterAPIRoutes(srv, gateway.HandlerDeps{
		Invoker:        inv,
		Logger:         log,
		ServiceName:    "searchbridge",
		ServiceVersion: version,
		CallTimeout:    cfg.Gateway.CallTimeout,
		DefaultResults: cfg.Search.DefaultResults,
		MaxResults:     cfg.Search.MaxResults,
	})

	// 7. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 8. Start
	log.Info("searchbridge starting",
		"version", version,
		"addr", cfg.Gateway.Addr,
		"host", cfg.Host.Command,
		"provider", cfg.Search.Provider,
		"auth", cfg.Gateway.AuthToken != "",
		"rate_limit_per_min", cfg.Gateway.RateLimitPerMin,
	)

	return srv.Start(ctx)
}

func runDaemon() error {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: searchbridge daemon <install|uninstall|status>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "install":
		cfg := daemon.DefaultConfig()
		cfg.ConfigPath = configPath()
		if err := cfg.Validate(); err != nil {
			return err
		}
		return daemon.Install(cfg)
	case "uninstall":
		return daemon.Uninstall("searchbridge")
	case "status":
		status, err := daemon.Status("searchbridge")
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("searchbridge is running (PID %d)\n", status.PID)
		} else {
			fmt.Println("searchbridge is not running")
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", os.Args[2])
	}
}

// configPath resolves the config file location: --config flag, then the
// SEARCHBRIDGE_CONFIG environment variable, then ./config.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("SEARCHBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// hostSpec assembles the subprocess spec for the tool host. Search
// settings travel to the child as SEARCHHOST_* variables; explicit
// host.env entries win over derived ones.
func hostSpec(cfg *config.Config) domain.ProcessSpec {
	env := make(map[string]string, len(cfg.Host.Env)+8)
	for k, v := range cfg.Host.Env {
		env[k] = v
	}
	setIfAbsent := func(key, val string) {
		if val == "" {
			return
		}
		if _, ok := env[key]; !ok {
			env[key] = val
		}
	}

	setIfAbsent("SERPER_API_KEY", cfg.Search.APIKey)
	setIfAbsent("SEARCHHOST_BASE_URL", cfg.Search.BaseURL)
	if cfg.Search.RequestTimeout > 0 {
		setIfAbsent("SEARCHHOST_REQUEST_TIMEOUT", cfg.Search.RequestTimeout.String())
	}
	if cfg.Search.DefaultResults > 0 {
		setIfAbsent("SEARCHHOST_DEFAULT_RESULTS", strconv.Itoa(cfg.Search.DefaultResults))
	}
	if cfg.Search.MaxResults > 0 {
		setIfAbsent("SEARCHHOST_MAX_RESULTS", strconv.Itoa(cfg.Search.MaxResults))
	}
	if cfg.Search.RequestsPerSecond > 0 {
		setIfAbsent("SEARCHHOST_REQUESTS_PER_SECOND", strconv.FormatFloat(cfg.Search.RequestsPerSecond, 'f', -1, 64))
	}
	if cfg.Search.Burst > 0 {
		setIfAbsent("SEARCHHOST_BURST", strconv.Itoa(cfg.Search.Burst))
	}
	if cfg.Search.CircuitBreaker.Enabled {
		if cfg.Search.CircuitBreaker.MaxFailures > 0 {
			setIfAbsent("SEARCHHOST_BREAKER_MAX_FAILURES", strconv.FormatUint(uint64(cfg.Search.CircuitBreaker.MaxFailures), 10))
		}
		if cfg.Search.CircuitBreaker.Timeout > 0 {
			setIfAbsent("SEARCHHOST_BREAKER_TIMEOUT", cfg.Search.CircuitBreaker.Timeout.String())
		}
	} else {
		setIfAbsent("SEARCHHOST_BREAKER_ENABLED", "false")
	}

	return domain.ProcessSpec{
		Command: cfg.Host.Command,
		Args:    cfg.Host.Args,
		Env:     env,
		WorkDir: cfg.Host.WorkDir,
	}
}
