package search

import (
	"context"

	"searchbridge/internal/domain"
)

// Backend abstracts a web search provider.
type Backend interface {
	// Search performs a web search and returns at most count ranked results.
	Search(ctx context.Context, query string, count int) ([]domain.SearchResult, error)
	// Name returns the provider identifier (e.g. "serper").
	Name() string
}
