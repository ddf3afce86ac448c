package gateway

import (
	"net/http"
	"sync/atomic"
	"time"

	"searchbridge/internal/domain"
)

// Metrics tracks request counters for the status API and the metrics
// endpoint.
type Metrics struct {
	SearchRequests atomic.Int64
	SearchSuccess  atomic.Int64
	SearchFailures atomic.Int64
	TimeoutErrors  atomic.Int64
	ProviderErrors atomic.Int64
	SessionErrors  atomic.Int64
}

// recordFailure bumps the total failure count plus the per-class
// counter.
func (m *Metrics) recordFailure(errType string) {
	m.SearchFailures.Add(1)
	switch errType {
	case errTypeTimeout:
		m.TimeoutErrors.Add(1)
	case errTypeToolExecution:
		m.ProviderErrors.Add(1)
	case errTypeSessionUnavailable:
		m.SessionErrors.Add(1)
	}
}

// StatusResponse is the JSON body returned by GET /status.
type StatusResponse struct {
	Service  ServiceStatus `json:"service"`
	Session  SessionStatus `json:"session"`
	Searches SearchStats   `json:"searches"`
}

// ServiceStatus holds service overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SessionStatus describes the tool-host session behind the bridge.
type SessionStatus struct {
	State        string `json:"state"`
	Ready        bool   `json:"ready"`
	PendingCalls int    `json:"pending_calls"`
	Restarts     int64  `json:"restarts"`
	HostName     string `json:"host_name,omitempty"`
	HostVersion  string `json:"host_version,omitempty"`
}

// SearchStats holds search request counters.
type SearchStats struct {
	Requests       int64 `json:"requests"`
	Successes      int64 `json:"successes"`
	Failures       int64 `json:"failures"`
	Timeouts       int64 `json:"timeouts"`
	ProviderErrors int64 `json:"provider_errors"`
	SessionErrors  int64 `json:"session_errors"`
}

type healthResponse struct {
	Status        string `json:"status"`
	SessionReady  bool   `json:"session_ready"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type infoResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// healthHandler serves GET /health. A session that has not completed a
// handshake yet reports degraded; it comes up lazily with the first
// search.
func healthHandler(deps HandlerDeps, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", errTypeInvalidRequest)
			return
		}

		ready := deps.Invoker.SessionState() == domain.SessionReady
		resp := healthResponse{
			Status:        "healthy",
			SessionReady:  ready,
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
		}
		status := http.StatusOK
		if !ready {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

// infoHandler serves GET / with the service card.
func infoHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", errTypeInvalidRequest)
			return
		}
		writeJSON(w, http.StatusOK, infoResponse{
			Name:    deps.ServiceName,
			Version: deps.ServiceVersion,
			Endpoints: []string{
				"POST /search",
				"GET /health",
				"GET /status",
				"GET /metrics",
			},
		})
	}
}

// statusHandler serves GET /status.
func statusHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", errTypeInvalidRequest)
			return
		}

		state := deps.Invoker.SessionState()
		host := deps.Invoker.ServerInfo()

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          deps.ServiceName,
				Version:       deps.ServiceVersion,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Session: SessionStatus{
				State:        state.String(),
				Ready:        state == domain.SessionReady,
				PendingCalls: deps.Invoker.PendingCalls(),
				Restarts:     deps.Invoker.Restarts(),
				HostName:     host.Name,
				HostVersion:  host.Version,
			},
			Searches: SearchStats{
				Requests:       metrics.SearchRequests.Load(),
				Successes:      metrics.SearchSuccess.Load(),
				Failures:       metrics.SearchFailures.Load(),
				Timeouts:       metrics.TimeoutErrors.Load(),
				ProviderErrors: metrics.ProviderErrors.Load(),
				SessionErrors:  metrics.SessionErrors.Load(),
			},
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
