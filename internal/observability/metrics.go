package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors exported by the server.
//
// All collectors are registered on the default registry so that the
// /metrics endpoint served by promhttp picks them up without extra wiring.
// Helper methods are nil-safe: a component constructed without metrics
// can call them freely, which keeps test setup small.
type Metrics struct {
	// RPCRequests counts JSON-RPC requests by method and outcome.
	// Labels: method, status (ok|error)
	RPCRequests *prometheus.CounterVec

	// RPCDuration measures JSON-RPC dispatch latency in seconds.
	// Labels: method
	RPCDuration *prometheus.HistogramVec

	// Commands counts shell command executions.
	// Labels: target (local|ssh), status (ok|error)
	Commands *prometheus.CounterVec

	// CommandDuration measures shell command wall time in seconds.
	// Labels: target (local|ssh)
	// Buckets: 10ms, 50ms, 100ms, 500ms, 1s, 5s, 15s, 60s, 300s
	CommandDuration *prometheus.HistogramVec

	// PolicyDecisions counts policy engine outcomes.
	// Labels: decision (allow|deny|confirmation_required|forced)
	PolicyDecisions *prometheus.CounterVec

	// ActiveSessions tracks the current number of live shell sessions.
	ActiveSessions prometheus.Gauge

	// SessionsEvicted counts sessions removed by the idle sweep.
	SessionsEvicted prometheus.Counter

	// SSEConnections tracks the current number of open SSE streams.
	SSEConnections prometheus.Gauge

	// Broadcasts counts responses fanned out to SSE streams.
	Broadcasts prometheus.Counter

	// HTTPRequests counts HTTP requests by path, method and status code.
	// Labels: path, method, status
	HTTPRequests *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide metrics set, creating and registering
// the collectors on first call. promauto panics on duplicate registration,
// so the singleton makes repeated construction (common in tests) safe.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			RPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "shellmcp_rpc_requests_total",
				Help: "Total number of JSON-RPC requests handled",
			}, []string{"method", "status"}),

			RPCDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "shellmcp_rpc_request_duration_seconds",
				Help:    "JSON-RPC dispatch latency in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"method"}),

			Commands: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "shellmcp_commands_total",
				Help: "Total number of shell commands executed",
			}, []string{"target", "status"}),

			CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "shellmcp_command_duration_seconds",
				Help:    "Shell command wall time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			}, []string{"target"}),

			PolicyDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "shellmcp_policy_decisions_total",
				Help: "Total number of command policy decisions",
			}, []string{"decision"}),

			ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "shellmcp_active_sessions",
				Help: "Current number of live shell sessions",
			}),

			SessionsEvicted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "shellmcp_sessions_evicted_total",
				Help: "Total number of sessions evicted after idle timeout",
			}),

			SSEConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "shellmcp_sse_connections",
				Help: "Current number of open SSE streams",
			}),

			Broadcasts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "shellmcp_sse_broadcasts_total",
				Help: "Total number of responses broadcast to SSE streams",
			}),

			HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "shellmcp_http_requests_total",
				Help: "Total number of HTTP requests received",
			}, []string{"path", "method", "status"}),
		}
	})
	return metricsInstance
}

// RecordRPC records one JSON-RPC dispatch.
func (m *Metrics) RecordRPC(method, status string, duration time.Duration) {
	if m == nil || m.RPCRequests == nil {
		return
	}
	m.RPCRequests.WithLabelValues(method, status).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordCommand records one shell command execution.
func (m *Metrics) RecordCommand(target string, exitCode int, duration time.Duration) {
	if m == nil || m.Commands == nil {
		return
	}
	status := "ok"
	if exitCode != 0 {
		status = "error"
	}
	m.Commands.WithLabelValues(target, status).Inc()
	m.CommandDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordPolicyDecision records one policy engine outcome.
func (m *Metrics) RecordPolicyDecision(decision string) {
	if m == nil || m.PolicyDecisions == nil {
		return
	}
	m.PolicyDecisions.WithLabelValues(decision).Inc()
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil || m.ActiveSessions == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil || m.ActiveSessions == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// SessionEvicted records one idle eviction and decrements the live gauge.
func (m *Metrics) SessionEvicted() {
	if m == nil || m.SessionsEvicted == nil {
		return
	}
	m.SessionsEvicted.Inc()
	m.ActiveSessions.Dec()
}

// StreamOpened increments the SSE connection gauge.
func (m *Metrics) StreamOpened() {
	if m == nil || m.SSEConnections == nil {
		return
	}
	m.SSEConnections.Inc()
}

// StreamClosed decrements the SSE connection gauge.
func (m *Metrics) StreamClosed() {
	if m == nil || m.SSEConnections == nil {
		return
	}
	m.SSEConnections.Dec()
}

// RecordBroadcast counts one fan-out of a response to SSE streams.
func (m *Metrics) RecordBroadcast() {
	if m == nil || m.Broadcasts == nil {
		return
	}
	m.Broadcasts.Inc()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(path, method, status string) {
	if m == nil || m.HTTPRequests == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(path, method, status).Inc()
}
