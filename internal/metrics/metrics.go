// Package metrics provides Prometheus metrics for connector browsing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connhub_tool_calls_total",
			Help: "Total number of tool invocations by decoded outcome",
		},
		[]string{"connector", "tool", "outcome"},
	)

	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connhub_tool_call_duration_seconds",
			Help:    "Tool invocation round-trip time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connector", "tool"},
	)

	gatewayInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connhub_gateway_inflight_requests",
			Help: "Number of backend requests currently in flight",
		},
	)

	staleResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connhub_browser_stale_results_total",
			Help: "Fetch results discarded because a newer action superseded them",
		},
		[]string{"connector"},
	)

	statusChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connhub_status_checks_total",
			Help: "Connection status checks by result",
		},
		[]string{"connector", "result"},
	)
)

// RecordToolCall records one decoded tool invocation.
func RecordToolCall(connector, tool, outcome string, d time.Duration) {
	toolCallsTotal.WithLabelValues(connector, tool, outcome).Inc()
	toolCallDuration.WithLabelValues(connector, tool).Observe(d.Seconds())
}

// IncInflight and DecInflight track concurrent backend requests.
func IncInflight() { gatewayInflight.Inc() }
func DecInflight() { gatewayInflight.Dec() }

// RecordStaleResult counts a discarded out-of-date fetch result.
func RecordStaleResult(connector string) {
	staleResultsTotal.WithLabelValues(connector).Inc()
}

// RecordStatusCheck counts a status check; result is "connected",
// "disconnected" or "error".
func RecordStatusCheck(connector, result string) {
	statusChecksTotal.WithLabelValues(connector, result).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ToolCalls exposes the counter for tests.
func ToolCalls() *prometheus.CounterVec { return toolCallsTotal }

// StaleResults exposes the counter for tests.
func StaleResults() *prometheus.CounterVec { return staleResultsTotal }
