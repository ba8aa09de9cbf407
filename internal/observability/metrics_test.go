package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsSingleton(t *testing.T) {
	first := NewMetrics()
	second := NewMetrics()

	if first == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if first != second {
		t.Error("NewMetrics() returned different instances")
	}
}

func TestNilMetricsHelpersAreSafe(t *testing.T) {
	var m *Metrics

	// None of these may panic on a nil receiver.
	m.RecordRPC("tools/call", "ok", time.Millisecond)
	m.RecordCommand("local", 0, time.Millisecond)
	m.RecordPolicyDecision("allow")
	m.SessionOpened()
	m.SessionClosed()
	m.SessionEvicted()
	m.StreamOpened()
	m.StreamClosed()
	m.RecordBroadcast()
	m.RecordHTTPRequest("/message", "POST", "200")
}

func TestCommandCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_commands_total",
			Help: "Test command counter",
		},
		[]string{"target", "status"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("local", "ok").Inc()
	counter.WithLabelValues("local", "ok").Inc()
	counter.WithLabelValues("ssh", "error").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("Expected 2 label combinations, got %d", count)
	}

	expected := `
		# HELP test_commands_total Test command counter
		# TYPE test_commands_total counter
		test_commands_total{status="error",target="ssh"} 1
		test_commands_total{status="ok",target="local"} 2
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestSessionGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_active_sessions",
		Help: "Test session gauge",
	})
	registry.MustRegister(gauge)

	gauge.Inc()
	gauge.Inc()
	gauge.Dec()

	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Errorf("Expected gauge value 1, got %v", got)
	}
}

func TestPolicyDecisionLabels(t *testing.T) {
	m := NewMetrics()

	// The dispatcher emits exactly these decision values.
	decisions := []string{"allow", "deny", "confirmation_required", "forced"}

	before := make(map[string]float64, len(decisions))
	for _, d := range decisions {
		before[d] = testutil.ToFloat64(m.PolicyDecisions.WithLabelValues(d))
	}

	for _, d := range decisions {
		m.RecordPolicyDecision(d)
	}

	for _, d := range decisions {
		got := testutil.ToFloat64(m.PolicyDecisions.WithLabelValues(d))
		if got != before[d]+1 {
			t.Errorf("decision %q count = %v, want %v", d, got, before[d]+1)
		}
	}
}

func TestRecordCommandStatusMapping(t *testing.T) {
	m := NewMetrics()

	tests := []struct {
		name     string
		exitCode int
	}{
		{"zero exit", 0},
		{"nonzero exit", 2},
		{"shell failure", 127},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Must not panic regardless of exit code.
			m.RecordCommand("local", tt.exitCode, 5*time.Millisecond)
		})
	}
}
