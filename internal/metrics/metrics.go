// Package metrics exposes the daemon's Prometheus instrumentation: live
// session count by tier, tool-invocation timing histograms, health-restart
// counters, and registry flush latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the daemon registers.
type Metrics struct {
	SessionsLive      *prometheus.GaugeVec
	ToolDuration      *prometheus.HistogramVec
	HealthRestarts    *prometheus.CounterVec
	RegistryFlushSecs prometheus.Histogram
	SendsTotal        *prometheus.CounterVec
	SendFailures      *prometheus.CounterVec
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "assistantd",
			Name:      "sessions_live",
			Help:      "Number of live agent sessions by tier.",
		}, []string{"tier", "session_type"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "assistantd",
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation duration observed from ToolTiming events.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),
		HealthRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assistantd",
			Name:      "health_restarts_total",
			Help:      "Sessions restarted by the health supervisor, by tier (fast/deep).",
		}, []string{"tier_scan"}),
		RegistryFlushSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "assistantd",
			Name:      "registry_flush_seconds",
			Help:      "Latency of a registry flushNow call.",
			Buckets:   prometheus.DefBuckets,
		}),
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assistantd",
			Name:      "backend_sends_total",
			Help:      "Outbound send commands invoked, by backend.",
		}, []string{"backend"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assistantd",
			Name:      "backend_send_failures_total",
			Help:      "Outbound send commands that failed, by backend.",
		}, []string{"backend"}),
	}
	reg.MustRegister(m.SessionsLive, m.ToolDuration, m.HealthRestarts, m.RegistryFlushSecs, m.SendsTotal, m.SendFailures)
	return m
}

// ObserveToolDuration records a tool's wall-clock duration under category.
func (m *Metrics) ObserveToolDuration(category string, d time.Duration) {
	m.ToolDuration.WithLabelValues(category).Observe(d.Seconds())
}

// ObserveFlush records how long a registry flush took.
func (m *Metrics) ObserveFlush(d time.Duration) {
	m.RegistryFlushSecs.Observe(d.Seconds())
}

// ObserveHealthRestart records a health-supervisor-triggered restart, tagged
// by which tier caught it ("fast" or "deep").
func (m *Metrics) ObserveHealthRestart(tierScan string) {
	m.HealthRestarts.WithLabelValues(tierScan).Inc()
}
