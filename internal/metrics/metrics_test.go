package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeMetricsRegistry(t *testing.T) {
	t.Parallel()

	reg := InitializeMetricsRegistry()
	require.NotNil(t, reg)

	metricChecks := []struct {
		name   string
		metric interface{}
	}{
		{"UpstreamSessions", reg.UpstreamSessions},
		{"ConnectAttemptsTotal", reg.ConnectAttemptsTotal},
		{"ReconnectsScheduled", reg.ReconnectsScheduled},
		{"RetriesExhaustedTotal", reg.RetriesExhaustedTotal},
		{"ObserversActive", reg.ObserversActive},
		{"ObserverRejectionsTotal", reg.ObserverRejectionsTotal},
		{"MessagesRelayedTotal", reg.MessagesRelayedTotal},
		{"ChatMatchesTotal", reg.ChatMatchesTotal},
		{"SinkPostsTotal", reg.SinkPostsTotal},
		{"ProbeResultsTotal", reg.ProbeResultsTotal},
		{"ErrorsTotal", reg.ErrorsTotal},
	}

	for _, check := range metricChecks {
		assert.NotNil(t, check.metric, check.name)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	t.Parallel()

	a := InitializeMetricsRegistry()
	b := InitializeMetricsRegistry()

	a.IncrementRetriesExhausted()

	assert.InDelta(t, 1, testutil.ToFloat64(a.RetriesExhaustedTotal), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(b.RetriesExhaustedTotal), 0)
}

func TestSetSessionsByState(t *testing.T) {
	t.Parallel()

	reg := InitializeMetricsRegistry()

	reg.SetSessionsByState(map[string]int{"OPEN": 2, "CONNECTING": 1})
	assert.InDelta(t, 2, testutil.ToFloat64(reg.UpstreamSessions.WithLabelValues("OPEN")), 0)

	reg.SetSessionsByState(map[string]int{"CONNECTING": 3})
	assert.InDelta(t, 0, testutil.ToFloat64(reg.UpstreamSessions.WithLabelValues("OPEN")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(reg.UpstreamSessions.WithLabelValues("CONNECTING")), 0)
}

func TestRecordRelayed(t *testing.T) {
	t.Parallel()

	reg := InitializeMetricsRegistry()

	reg.RecordRelayed("upstream", "text", 4)
	reg.RecordRelayed("upstream", "text", 6)

	assert.InDelta(t, 2, testutil.ToFloat64(reg.MessagesRelayedTotal.WithLabelValues("upstream", "text")), 0)
	assert.InDelta(t, 10, testutil.ToFloat64(reg.BytesRelayedTotal.WithLabelValues("upstream")), 0)
}

func TestHandlerExposesRelayMetrics(t *testing.T) {
	t.Parallel()

	reg := InitializeMetricsRegistry()
	reg.IncrementProbeResults(true)
	reg.IncrementDiscovered("")

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mc_relay_health_probes_total{result="reachable"} 1`)
	assert.Contains(t, string(body), `mc_relay_services_discovered_total{source="unknown"} 1`)
}
