package toolhost

import (
	"os"
	"strconv"
	"time"

	"searchbridge/internal/domain"
	"searchbridge/internal/infra/config"
)

// Config holds tool host settings not owned by the search backend.
type Config struct {
	ServerName     string
	ServerVersion  string
	DefaultResults int
	MaxResults     int
	CacheTTL       time.Duration
	RequestTimeout time.Duration
	LogLevel       string
}

// FromEnv builds the host and backend configuration from the environment.
// The bridge passes these variables through the subprocess spec when it
// spawns the host: SERPER_API_KEY is honored bare (provider convention),
// everything else under a SEARCHHOST_ prefix.
func FromEnv() (Config, config.SearchConfig) {
	hostCfg := Config{
		ServerName:     "web-search-server",
		ServerVersion:  "1.0.0",
		DefaultResults: domain.DefaultMaxResults,
		MaxResults:     domain.MaxSearchResults,
		CacheTTL:       15 * time.Minute,
		RequestTimeout: 30 * time.Second,
		LogLevel:       "info",
	}
	searchCfg := config.SearchConfig{
		Provider:       "serper",
		APIKey:         os.Getenv("SERPER_API_KEY"),
		BaseURL:        os.Getenv("SEARCHHOST_BASE_URL"),
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true},
	}

	if d, ok := envDuration("SEARCHHOST_REQUEST_TIMEOUT"); ok {
		hostCfg.RequestTimeout = d
	}
	searchCfg.RequestTimeout = hostCfg.RequestTimeout

	if n, ok := envInt("SEARCHHOST_MAX_RESULTS"); ok && n > 0 {
		hostCfg.MaxResults = n
	}
	if hostCfg.MaxResults > domain.MaxSearchResults {
		hostCfg.MaxResults = domain.MaxSearchResults
	}
	if n, ok := envInt("SEARCHHOST_DEFAULT_RESULTS"); ok && n > 0 {
		hostCfg.DefaultResults = n
	}
	if hostCfg.DefaultResults > hostCfg.MaxResults {
		hostCfg.DefaultResults = hostCfg.MaxResults
	}

	if d, ok := envDuration("SEARCHHOST_CACHE_TTL"); ok {
		hostCfg.CacheTTL = d
	}
	if v := os.Getenv("SEARCHHOST_LOG_LEVEL"); v != "" {
		hostCfg.LogLevel = v
	}

	if f, ok := envFloat("SEARCHHOST_REQUESTS_PER_SECOND"); ok {
		searchCfg.RequestsPerSecond = f
	}
	if n, ok := envInt("SEARCHHOST_BURST"); ok {
		searchCfg.Burst = n
	}
	if os.Getenv("SEARCHHOST_BREAKER_ENABLED") == "false" {
		searchCfg.CircuitBreaker.Enabled = false
	}
	if n, ok := envInt("SEARCHHOST_BREAKER_MAX_FAILURES"); ok && n > 0 {
		searchCfg.CircuitBreaker.MaxFailures = uint32(n)
	}
	if d, ok := envDuration("SEARCHHOST_BREAKER_TIMEOUT"); ok {
		searchCfg.CircuitBreaker.Timeout = d
	}

	return hostCfg, searchCfg
}

// envDuration reads a duration variable, accepting either a Go duration
// string ("30s") or a bare number of seconds ("30").
func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
