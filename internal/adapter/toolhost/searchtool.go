package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"

	"searchbridge/internal/adapter/search"
	"searchbridge/internal/domain"
)

// webSearchSchema is the argument contract enforced before any backend
// interaction. The limits mirror the domain validation constants.
const webSearchSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1, "maxLength": 500, "description": "The search query"},
		"max_results": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Number of results (default: 10)"}
	},
	"required": ["query"],
	"additionalProperties": false
}`

// cacheEntry holds a cached search payload with its expiration time.
type cacheEntry struct {
	payload   string
	expiresAt time.Time
}

// SearchTool serves the web_search tool over a pluggable search backend.
type SearchTool struct {
	backend        search.Backend
	defaultResults int
	maxResults     int
	cacheTTL       time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewSearchTool creates the web_search tool handler.
func NewSearchTool(backend search.Backend, cfg Config, logger *slog.Logger) *SearchTool {
	defaultResults := cfg.DefaultResults
	if defaultResults <= 0 {
		defaultResults = domain.DefaultMaxResults
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 || maxResults > domain.MaxSearchResults {
		maxResults = domain.MaxSearchResults
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Minute
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	return &SearchTool{
		backend:        backend,
		defaultResults: defaultResults,
		maxResults:     maxResults,
		cacheTTL:       cacheTTL,
		requestTimeout: requestTimeout,
		logger:         logger,
		cache:          make(map[string]cacheEntry),
	}
}

// Definition describes the tool as advertised through tools/list.
func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool("web_search",
		mcp.WithDescription("Search the web using Serper API"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query string (1-500 characters)"),
		),
		mcp.WithNumber("max_results",
			mcp.Description("Maximum number of results to return (1-20, default: 10)"),
		),
	)
}

// Handle executes one web_search call. Argument failures and provider
// failures come back as error results so the bridge re-raises the text
// verbatim; only internal marshaling faults become protocol errors.
func (t *SearchTool) Handle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	if err := validateJSONSchema(json.RawMessage(webSearchSchema), args); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}

	query, _ := args["query"].(string)
	count := t.defaultResults
	if raw, ok := args["max_results"]; ok {
		if f, ok := raw.(float64); ok {
			count = int(f)
		}
	}
	if count > t.maxResults {
		count = t.maxResults
	}

	q := domain.SearchQuery{Query: query, MaxResults: count}
	if err := q.Validate(); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + errorDetail(err)), nil
	}

	t.logger.Info("web search request received", "query", query, "max_results", count)

	cacheKey := fmt.Sprintf("%s|%d", query, count)
	if cached, ok := t.getCached(cacheKey); ok {
		t.logger.Debug("web search cache hit", "query", query)
		return mcp.NewToolResultText(cached), nil
	}

	start := time.Now()
	results, err := t.backend.Search(ctx, query, count)
	if err != nil {
		t.logger.Error("web search failed", "query", query, "error", err)
		return mcp.NewToolResultError(t.failureText(err)), nil
	}

	// Backends may return more than requested.
	if len(results) > count {
		results = results[:count]
	}

	response := domain.SearchResponse{
		Results: results,
		Metadata: domain.SearchMetadata{
			Provider:       t.backend.Name(),
			Query:          query,
			TotalResults:   len(results),
			ResponseTimeMS: time.Since(start).Milliseconds(),
		},
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}

	t.putCache(cacheKey, string(payload))

	t.logger.Info("web search completed",
		"query", query,
		"results", len(results),
		"response_time_ms", response.Metadata.ResponseTimeMS,
	)
	return mcp.NewToolResultText(string(payload)), nil
}

// failureText classifies a backend failure into the message the bridge
// surfaces to its callers.
func (t *SearchTool) failureText(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimit):
		return "rate limited: " + errorDetail(err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("search timed out after %s", t.requestTimeout)
	default:
		return "search failed: " + errorDetail(err)
	}
}

// errorDetail prefers the human-readable detail of a domain error over the
// full operation chain.
func errorDetail(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}

// validateJSONSchema validates parsed arguments against a JSON Schema.
func validateJSONSchema(schemaBytes json.RawMessage, data any) error {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(schemaBytes))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}

// getCached returns a cached payload if it exists and has not expired.
func (t *SearchTool) getCached(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cache[key]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(t.cache, key)
		return "", false
	}
	return entry.payload, true
}

// putCache stores a payload in the cache with the configured TTL.
func (t *SearchTool) putCache(key, payload string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cache[key] = cacheEntry{
		payload:   payload,
		expiresAt: time.Now().Add(t.cacheTTL),
	}

	// Lazy eviction: remove expired entries if the cache grows large.
	if len(t.cache) > 100 {
		now := time.Now()
		for k, v := range t.cache {
			if now.After(v.expiresAt) {
				delete(t.cache, k)
			}
		}
	}
}
