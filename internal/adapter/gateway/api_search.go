package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"searchbridge/internal/domain"
)

// toolWebSearch is the tool name the bridge invokes on the host.
const toolWebSearch = "web_search"

// maxRequestBody caps inbound bodies at 1MB.
const maxRequestBody = 1 << 20

// Wire error_type values.
const (
	errTypeInvalidRequest     = "invalid_request"
	errTypeTimeout            = "timeout"
	errTypeToolExecution      = "tool_execution"
	errTypeSessionUnavailable = "session_unavailable"
	errTypeUnauthorized       = "unauthorized"
	errTypeInternal           = "internal"
)

type searchRequest struct {
	Query string `json:"query"`
	// Pointer so an explicit zero is distinguishable from an absent
	// field: zero is a validation error, absent means the default.
	MaxResults *int `json:"max_results"`
}

type searchSuccess struct {
	Status   string                `json:"status"`
	Results  []domain.SearchResult `json:"results"`
	Metadata domain.SearchMetadata `json:"metadata"`
}

type apiError struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// searchHandler serves POST /search: validate, invoke the tool, decode
// the payload, answer. All provider failure text passes through
// verbatim.
func searchHandler(deps HandlerDeps, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", errTypeInvalidRequest)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			msg := "invalid JSON: " + err.Error()
			if err.Error() == "http: request body too large" {
				msg = "request body too large (max 1MB)"
			}
			writeError(w, http.StatusBadRequest, msg, errTypeInvalidRequest)
			return
		}

		query := strings.TrimSpace(req.Query)
		count := deps.DefaultResults
		if req.MaxResults != nil {
			count = *req.MaxResults
		}

		q := domain.SearchQuery{Query: query, MaxResults: count}
		if err := q.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, errorText(err), errTypeInvalidRequest)
			return
		}
		if count > deps.MaxResults {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("max_results must be between 1 and %d", deps.MaxResults), errTypeInvalidRequest)
			return
		}

		metrics.SearchRequests.Add(1)

		args := map[string]any{"query": query, "max_results": count}
		result, err := deps.Invoker.Invoke(r.Context(), toolWebSearch, args, deps.CallTimeout)
		if err != nil {
			status, errType := classifyError(err)
			metrics.recordFailure(errType)
			deps.Logger.Warn("search request failed",
				"query", query,
				"error_type", errType,
				"error", err)
			writeError(w, status, errorText(err), errType)
			return
		}

		var payload domain.SearchResponse
		if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
			metrics.recordFailure(errTypeInternal)
			deps.Logger.Error("tool payload is not valid search JSON", "error", err)
			writeError(w, http.StatusInternalServerError, "malformed tool payload", errTypeInternal)
			return
		}
		if payload.Results == nil {
			payload.Results = []domain.SearchResult{}
		}

		metrics.SearchSuccess.Add(1)
		writeJSON(w, http.StatusOK, searchSuccess{
			Status:   "success",
			Results:  payload.Results,
			Metadata: payload.Metadata,
		})
	}
}

// classifyError maps a bridge failure onto the HTTP status and wire
// error_type the caller sees.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, errTypeInvalidRequest
	case errors.Is(err, domain.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errTypeTimeout
	case errors.Is(err, domain.ErrToolExecution):
		return http.StatusBadGateway, errTypeToolExecution
	case errors.Is(err, domain.ErrSpawnFailed),
		errors.Is(err, domain.ErrHandshakeFailed),
		errors.Is(err, domain.ErrSessionNotReady),
		errors.Is(err, domain.ErrSessionClosed):
		return http.StatusServiceUnavailable, errTypeSessionUnavailable
	default:
		return http.StatusInternalServerError, errTypeInternal
	}
}

// errorText prefers the domain detail, which carries the provider's
// words, over the full operation chain.
func errorText(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg, errType string) {
	writeJSON(w, status, apiError{Status: "error", Error: msg, ErrorType: errType})
}
