package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bridge configuration.
type Config struct {
	Gateway  GatewayConfig `yaml:"gateway"`
	Search   SearchConfig  `yaml:"search"`
	Host     HostConfig    `yaml:"host"`
	Session  SessionConfig `yaml:"session"`
	Logger   LoggerConfig  `yaml:"logger"`
	Tracer   TracerConfig  `yaml:"tracer"`
	Includes []string      `yaml:"includes,omitempty"`
}

// GatewayConfig holds HTTP gateway settings.
type GatewayConfig struct {
	Addr            string        `yaml:"addr"`
	AuthToken       string        `yaml:"auth_token,omitempty"` // empty = no auth
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`   // 0 = disabled
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	CallTimeout     time.Duration `yaml:"call_timeout"` // per-request tool call budget
}

// SearchConfig holds search provider settings. The API key and HTTP tuning
// are forwarded to the tool host through its environment; the result limits
// also bound what the gateway accepts.
type SearchConfig struct {
	Provider          string               `yaml:"provider"`
	APIKey            string               `yaml:"api_key,omitempty"`
	BaseURL           string               `yaml:"base_url"`
	RequestTimeout    time.Duration        `yaml:"request_timeout"`
	RequestsPerSecond float64              `yaml:"requests_per_second"` // 0 = unthrottled
	Burst             int                  `yaml:"burst"`
	DefaultResults    int                  `yaml:"default_results"`
	MaxResults        int                  `yaml:"max_results"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pool              PoolConfig           `yaml:"pool"`
}

// CircuitBreakerConfig holds circuit breaker settings for the search provider.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for provider requests.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// HostConfig describes the tool-host subprocess the bridge supervises.
type HostConfig struct {
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args,omitempty"`
	WorkDir         string            `yaml:"workdir,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	StopGrace       time.Duration     `yaml:"stop_grace"`
	StderrTailBytes int               `yaml:"stderr_tail_bytes"`
}

// SessionConfig tunes the protocol session with the tool host.
type SessionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ListToolsTimeout time.Duration `yaml:"list_tools_timeout"`
	ClientName       string        `yaml:"client_name"`
	ClientVersion    string        `yaml:"client_version"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Addr:            ":8080",
			RateLimitPerMin: 0,
			RateLimitBurst:  0,
			CallTimeout:     30 * time.Second,
		},
		Search: SearchConfig{
			Provider:       "serper",
			BaseURL:        "https://google.serper.dev",
			RequestTimeout: 30 * time.Second,
			DefaultResults: 10,
			MaxResults:     20,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			Pool: PoolConfig{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Host: HostConfig{
			Command:         "searchhost",
			StopGrace:       5 * time.Second,
			StderrTailBytes: 64 * 1024,
		},
		Session: SessionConfig{
			HandshakeTimeout: 10 * time.Second,
			ListToolsTimeout: 5 * time.Second,
			ClientName:       "searchbridge",
			ClientVersion:    "1.0.0",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error: defaults plus the environment are used instead.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (merges included files into cfg).
	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps SEARCHBRIDGE_* env vars to config fields.
// SERPER_API_KEY is honored bare, matching the provider's own convention.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERPER_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}

	// Gateway overrides.
	if v := os.Getenv("SEARCHBRIDGE_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("SEARCHBRIDGE_GATEWAY_AUTH_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv("SEARCHBRIDGE_GATEWAY_RATE_LIMIT_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Gateway.RateLimitPerMin = n
		}
	}
	if v := os.Getenv("SEARCHBRIDGE_GATEWAY_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.RateLimitBurst = n
		}
	}
	if v := os.Getenv("SEARCHBRIDGE_GATEWAY_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.CallTimeout = d
		}
	}

	// Search overrides. The prefixed API key wins over the bare one.
	if v := os.Getenv("SEARCHBRIDGE_SEARCH_PROVIDER"); v != "" {
		cfg.Search.Provider = v
	}
	if v := os.Getenv("SEARCHBRIDGE_SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("SEARCHBRIDGE_SEARCH_BASE_URL"); v != "" {
		cfg.Search.BaseURL = v
	}
	if v := os.Getenv("SEARCHBRIDGE_SEARCH_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Search.RequestTimeout = d
		}
	}
	if v := os.Getenv("SEARCHBRIDGE_SEARCH_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Search.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("SEARCHBRIDGE_SEARCH_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Search.Burst = n
		}
	}
	if v := os.Getenv("SEARCHBRIDGE_SEARCH_DEFAULT_RESULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Search.DefaultResults = n
		}
	}
	if v := os.Getenv("SEARCHBRIDGE_SEARCH_MAX_RESULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Search.MaxResults = n
		}
	}
	if v := os.Getenv("SEARCHBRIDGE_SEARCH_BREAKER_ENABLED"); v == "true" {
		cfg.Search.CircuitBreaker.Enabled = true
	} else if v == "false" {
		cfg.Search.CircuitBreaker.Enabled = false
	}
	if v := os.Getenv("SEARCHBRIDGE_SEARCH_BREAKER_MAX_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Search.CircuitBreaker.MaxFailures = uint32(n)
		}
	}
	if v := os.Getenv("SEARCHBRIDGE_SEARCH_BREAKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Search.CircuitBreaker.Timeout = d
		}
	}

	// Host overrides.
	if v := os.Getenv("SEARCHBRIDGE_HOST_COMMAND"); v != "" {
		cfg.Host.Command = v
	}
	if v := os.Getenv("SEARCHBRIDGE_HOST_ARGS"); v != "" {
		cfg.Host.Args = splitAndTrim(v, ",")
	}
	if v := os.Getenv("SEARCHBRIDGE_HOST_WORKDIR"); v != "" {
		cfg.Host.WorkDir = v
	}
	if v := os.Getenv("SEARCHBRIDGE_HOST_STOP_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Host.StopGrace = d
		}
	}
	if v := os.Getenv("SEARCHBRIDGE_HOST_STDERR_TAIL_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Host.StderrTailBytes = n
		}
	}

	// Session overrides.
	if v := os.Getenv("SEARCHBRIDGE_SESSION_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Session.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("SEARCHBRIDGE_SESSION_LIST_TOOLS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Session.ListToolsTimeout = d
		}
	}
	if v := os.Getenv("SEARCHBRIDGE_SESSION_CLIENT_NAME"); v != "" {
		cfg.Session.ClientName = v
	}
	if v := os.Getenv("SEARCHBRIDGE_SESSION_CLIENT_VERSION"); v != "" {
		cfg.Session.ClientVersion = v
	}

	// Logger overrides.
	if v := os.Getenv("SEARCHBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SEARCHBRIDGE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SEARCHBRIDGE_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}

	// Tracer overrides.
	if v := os.Getenv("SEARCHBRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SEARCHBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
