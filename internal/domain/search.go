package domain

import (
	"fmt"
	"strings"
)

// Search request limits. Queries beyond these bounds are rejected before any
// subprocess or provider interaction.
const (
	MaxQueryLength    = 500
	MaxSearchResults  = 20
	DefaultMaxResults = 10
)

// SearchQuery is a validated search request.
type SearchQuery struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// Validate checks the query against the request limits.
func (q SearchQuery) Validate() error {
	trimmed := strings.TrimSpace(q.Query)
	if trimmed == "" {
		return NewDomainError("SearchQuery.Validate", ErrInvalidInput, "query must not be empty")
	}
	if len(q.Query) > MaxQueryLength {
		return NewDomainError("SearchQuery.Validate", ErrInvalidInput,
			fmt.Sprintf("query exceeds %d characters", MaxQueryLength))
	}
	if q.MaxResults < 1 || q.MaxResults > MaxSearchResults {
		return NewDomainError("SearchQuery.Validate", ErrInvalidInput,
			fmt.Sprintf("max_results must be between 1 and %d", MaxSearchResults))
	}
	return nil
}

// SearchResult is a single ranked result item.
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
	Rank    int    `json:"rank"`
}

// SearchMetadata describes how a response was produced.
type SearchMetadata struct {
	Provider       string `json:"provider"`
	Query          string `json:"query"`
	TotalResults   int    `json:"total_results"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

// SearchResponse is the full payload carried back through the tool call.
type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Metadata SearchMetadata `json:"metadata"`
}
