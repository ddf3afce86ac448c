package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"searchbridge/internal/domain"
	"searchbridge/internal/infra/config"
	"searchbridge/internal/infra/tracer"
)

const (
	defaultSerperBaseURL = "https://google.serper.dev"
	maxSearchBodySize    = 512 * 1024 // 512KB
)

// serperRequest is the Serper API request payload.
type serperRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num"`
}

// serperResponse models the relevant portion of the Serper JSON response.
type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// SerperBackend searches the web via the Serper.dev Google search API.
type SerperBackend struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSerperBackend creates a search backend with pooled transport and,
// when requests_per_second is set, client-side pacing so the provider's
// rate limits are respected instead of discovered through 429s.
func NewSerperBackend(cfg config.SearchConfig, logger *slog.Logger) *SerperBackend {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultSerperBaseURL
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &SerperBackend{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		limiter: limiter,
		logger:  logger,
	}
}

// Name implements Backend.
func (b *SerperBackend) Name() string { return "serper" }

// Search implements Backend.
func (b *SerperBackend) Search(ctx context.Context, query string, count int) ([]domain.SearchResult, error) {
	const op = "SerperBackend.Search"

	ctx, span := tracer.StartSpan(ctx, "search.serper",
		trace.WithAttributes(
			tracer.StringAttr("search.provider", b.Name()),
			tracer.IntAttr("search.count", count),
		),
	)
	defer span.End()

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			tracer.RecordError(span, err)
			return nil, fmt.Errorf("pacing wait: %w", err)
		}
	}

	body, err := json.Marshal(serperRequest{Query: query, Num: count})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodySize))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := mapAPIError(op, resp.StatusCode, respBody)
		tracer.RecordError(span, apiErr)
		return nil, apiErr
	}

	results, err := parseSerperResults(respBody, count, b.logger)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	b.logger.Debug("serper search completed", "query", query, "results", len(results))
	return results, nil
}

// parseSerperResults extracts ranked results from the organic section.
// Entries without an absolute http(s) link are skipped; rank stays tied
// to the provider's ordering, so a skipped entry leaves a gap.
func parseSerperResults(body []byte, count int, logger *slog.Logger) ([]domain.SearchResult, error) {
	var sr serperResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]domain.SearchResult, 0, len(sr.Organic))
	for i, r := range sr.Organic {
		if len(results) >= count {
			break
		}
		if !strings.HasPrefix(r.Link, "http://") && !strings.HasPrefix(r.Link, "https://") {
			logger.Warn("skipping result with invalid url", "url", r.Link, "position", i+1)
			continue
		}
		title := r.Title
		if title == "" {
			title = "No title"
		}
		snippet := r.Snippet
		if snippet == "" {
			snippet = "No description"
		}
		results = append(results, domain.SearchResult{
			Title:   title,
			Snippet: snippet,
			URL:     r.Link,
			Rank:    i + 1,
		})
	}
	return results, nil
}

// mapAPIError maps a non-200 Serper status to a domain error so the tool
// host and circuit breaker can classify provider failures.
func mapAPIError(op string, statusCode int, body []byte) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return domain.NewSubSystemError("search", op, domain.ErrRateLimit, "API rate limit exceeded")
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return domain.NewSubSystemError("search", op, domain.ErrAuthInvalid,
			fmt.Sprintf("API error %d: %s", statusCode, body))
	default:
		return domain.NewSubSystemError("search", op, domain.ErrProviderError,
			fmt.Sprintf("API error %d: %s", statusCode, body))
	}
}
