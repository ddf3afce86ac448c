package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateSearch(cfg, ve)
	validateHost(cfg, ve)
	validateSession(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.CallTimeout <= 0 {
		ve.Add("gateway.call_timeout must be > 0")
	}
	if cfg.Gateway.RateLimitPerMin < 0 {
		ve.Add("gateway.rate_limit_per_min must be >= 0")
	}
	if cfg.Gateway.RateLimitBurst < 0 {
		ve.Add("gateway.rate_limit_burst must be >= 0")
	}
}

var validSearchProviders = map[string]bool{
	"serper": true,
}

func validateSearch(cfg *Config, ve *ValidationError) {
	if !validSearchProviders[cfg.Search.Provider] {
		ve.Add("search.provider %q is invalid (want: serper)", cfg.Search.Provider)
	}
	if cfg.Search.BaseURL == "" {
		ve.Add("search.base_url must not be empty")
	}
	if cfg.Search.RequestTimeout <= 0 {
		ve.Add("search.request_timeout must be > 0")
	}
	if cfg.Search.RequestsPerSecond < 0 {
		ve.Add("search.requests_per_second must be >= 0")
	}
	if cfg.Search.MaxResults <= 0 {
		ve.Add("search.max_results must be > 0")
	}
	if cfg.Search.DefaultResults <= 0 {
		ve.Add("search.default_results must be > 0")
	} else if cfg.Search.MaxResults > 0 && cfg.Search.DefaultResults > cfg.Search.MaxResults {
		ve.Add("search.default_results must not exceed search.max_results (%d > %d)",
			cfg.Search.DefaultResults, cfg.Search.MaxResults)
	}
}

func validateHost(cfg *Config, ve *ValidationError) {
	if cfg.Host.Command == "" {
		ve.Add("host.command must not be empty")
	}
	if cfg.Host.StopGrace <= 0 {
		ve.Add("host.stop_grace must be > 0")
	}
	if cfg.Host.StderrTailBytes <= 0 {
		ve.Add("host.stderr_tail_bytes must be > 0")
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	if cfg.Session.HandshakeTimeout <= 0 {
		ve.Add("session.handshake_timeout must be > 0")
	}
	if cfg.Session.ListToolsTimeout <= 0 {
		ve.Add("session.list_tools_timeout must be > 0")
	}
	if cfg.Session.ClientName == "" {
		ve.Add("session.client_name must not be empty")
	}
}
