package main

import (
	"fmt"
	"os"

	"searchbridge/internal/adapter/search"
	"searchbridge/internal/adapter/toolhost"
	"searchbridge/internal/infra/config"
	"searchbridge/internal/infra/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run builds the search backend and serves the tool protocol on stdio
// until the parent closes stdin.
func run() error {
	// 1. Config from environment (the bridge sets these on the spawn)
	hostCfg, searchCfg := toolhost.FromEnv()

	// 2. Logger pinned to stderr: stdout carries the protocol stream.
	log, logCloser, err := logger.New(config.LoggerConfig{
		Level:  hostCfg.LogLevel,
		Format: "text",
		Output: "stderr",
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	if searchCfg.APIKey == "" {
		log.Warn("SERPER_API_KEY is not set, searches will fail with a provider error")
	}

	// 3. Search backend
	var backend search.Backend = search.NewSerperBackend(searchCfg, log)
	if searchCfg.CircuitBreaker.Enabled {
		backend = search.NewBreakerBackend(backend, search.CircuitBreakerConfig{
			MaxFailures: searchCfg.CircuitBreaker.MaxFailures,
			Timeout:     searchCfg.CircuitBreaker.Timeout,
			Interval:    searchCfg.CircuitBreaker.Interval,
		}, log)
	}

	// 4. Tool host on stdio
	host := toolhost.NewHost(backend, hostCfg, log)
	return host.ServeStdio()
}
