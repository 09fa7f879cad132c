package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"assistantd_sessions_live",
		"assistantd_tool_duration_seconds",
		"assistantd_health_restarts_total",
		"assistantd_registry_flush_seconds",
		"assistantd_backend_sends_total",
		"assistantd_backend_send_failures_total",
	} {
		require.True(t, names[want], "missing collector %s", want)
	}
}

func TestObserveToolDurationRecordsSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveToolDuration("bash:ls", 250*time.Millisecond)

	var out dto.Metric
	require.NoError(t, m.ToolDuration.WithLabelValues("bash:ls").(prometheus.Histogram).Write(&out))
	require.EqualValues(t, 1, out.GetHistogram().GetSampleCount())
}

func TestObserveFlushRecordsSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveFlush(10 * time.Millisecond)

	var out dto.Metric
	require.NoError(t, m.RegistryFlushSecs.Write(&out))
	require.EqualValues(t, 1, out.GetHistogram().GetSampleCount())
}
