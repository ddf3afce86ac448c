package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"searchbridge/internal/domain"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus
// text format. The lightweight text format keeps the full prometheus
// client out of the dependency tree.
func metricsHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		ready := 0
		if deps.Invoker.SessionState() == domain.SessionReady {
			ready = 1
		}

		// Search counters.
		fmt.Fprintf(w, "# HELP searchbridge_requests_total Total search requests received.\n")
		fmt.Fprintf(w, "# TYPE searchbridge_requests_total counter\n")
		fmt.Fprintf(w, "searchbridge_requests_total %d\n", metrics.SearchRequests.Load())

		fmt.Fprintf(w, "# HELP searchbridge_search_success_total Total successful searches.\n")
		fmt.Fprintf(w, "# TYPE searchbridge_search_success_total counter\n")
		fmt.Fprintf(w, "searchbridge_search_success_total %d\n", metrics.SearchSuccess.Load())

		fmt.Fprintf(w, "# HELP searchbridge_search_failures_total Total failed searches.\n")
		fmt.Fprintf(w, "# TYPE searchbridge_search_failures_total counter\n")
		fmt.Fprintf(w, "searchbridge_search_failures_total %d\n", metrics.SearchFailures.Load())

		fmt.Fprintf(w, "# HELP searchbridge_timeouts_total Searches that hit the call deadline.\n")
		fmt.Fprintf(w, "# TYPE searchbridge_timeouts_total counter\n")
		fmt.Fprintf(w, "searchbridge_timeouts_total %d\n", metrics.TimeoutErrors.Load())

		fmt.Fprintf(w, "# HELP searchbridge_provider_errors_total Searches the provider answered with an error.\n")
		fmt.Fprintf(w, "# TYPE searchbridge_provider_errors_total counter\n")
		fmt.Fprintf(w, "searchbridge_provider_errors_total %d\n", metrics.ProviderErrors.Load())

		fmt.Fprintf(w, "# HELP searchbridge_session_errors_total Searches lost to session failures.\n")
		fmt.Fprintf(w, "# TYPE searchbridge_session_errors_total counter\n")
		fmt.Fprintf(w, "searchbridge_session_errors_total %d\n", metrics.SessionErrors.Load())

		// Session gauges.
		fmt.Fprintf(w, "# HELP searchbridge_session_ready Whether the tool-host session is ready.\n")
		fmt.Fprintf(w, "# TYPE searchbridge_session_ready gauge\n")
		fmt.Fprintf(w, "searchbridge_session_ready %d\n", ready)

		fmt.Fprintf(w, "# HELP searchbridge_session_restarts_total Dead sessions replaced since start.\n")
		fmt.Fprintf(w, "# TYPE searchbridge_session_restarts_total counter\n")
		fmt.Fprintf(w, "searchbridge_session_restarts_total %d\n", deps.Invoker.Restarts())

		fmt.Fprintf(w, "# HELP searchbridge_pending_calls In-flight tool calls.\n")
		fmt.Fprintf(w, "# TYPE searchbridge_pending_calls gauge\n")
		fmt.Fprintf(w, "searchbridge_pending_calls %d\n", deps.Invoker.PendingCalls())

		// Uptime.
		fmt.Fprintf(w, "# HELP searchbridge_uptime_seconds Seconds since the bridge started.\n")
		fmt.Fprintf(w, "# TYPE searchbridge_uptime_seconds gauge\n")
		fmt.Fprintf(w, "searchbridge_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)

		fmt.Fprintf(w, "# HELP go_gc_duration_seconds Total GC pause duration.\n")
		fmt.Fprintf(w, "# TYPE go_gc_duration_seconds gauge\n")
		fmt.Fprintf(w, "go_gc_duration_seconds %f\n", float64(mem.PauseTotalNs)/1e9)
	}
}
