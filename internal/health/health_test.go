package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KennLDN/mc-panel-docker/internal/lifecycle"
	"github.com/KennLDN/mc-panel-docker/internal/registry"
)

type stubRegistry struct {
	loaded  bool
	records []registry.ServiceRecord
}

func (s *stubRegistry) Loaded() bool                  { return s.loaded }
func (s *stubRegistry) List() []registry.ServiceRecord { return s.records }

type stubSessions []lifecycle.SessionInfo

func (s stubSessions) Snapshot() []lifecycle.SessionInfo { return s }

type stubDiscovery struct {
	running int
	names   []string
}

func (s *stubDiscovery) RunningSources() int   { return s.running }
func (s *stubDiscovery) SourceNames() []string { return s.names }

func TestCheckerNotReadyUntilRegistryLoaded(t *testing.T) {
	reg := &stubRegistry{}
	c := NewChecker(reg, stubSessions{}, nil, "test", zaptest.NewLogger(t))

	status := c.Refresh()
	assert.False(t, status.Ready)
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Message, SubsystemRegistry)

	reg.loaded = true
	status = c.Refresh()
	assert.True(t, status.Ready)
	assert.True(t, status.Healthy)
	assert.Equal(t, "test", status.Version)
}

func TestCheckerUpstreamsDegradedButHealthy(t *testing.T) {
	reg := &stubRegistry{loaded: true, records: []registry.ServiceRecord{
		{Name: "alpha", Reachable: true},
		{Name: "beta", Reachable: false},
	}}
	sessions := stubSessions{
		{Name: "alpha", State: lifecycle.StateOpen.String()},
		{Name: "beta", State: lifecycle.StateReconnectScheduled.String()},
	}

	c := NewChecker(reg, sessions, nil, "", zaptest.NewLogger(t))
	status := c.Refresh()

	require.True(t, status.Healthy)

	up := status.Subsystems[SubsystemUpstreams]
	assert.Equal(t, statusDegraded, up.Status)
	assert.Equal(t, 1, up.Metrics["open"])
	assert.Equal(t, 2, up.Metrics["total"])
	assert.Equal(t, 1, status.Subsystems[SubsystemRegistry].Metrics["reachable"])
}

func TestCheckerDiscoverySourcesDown(t *testing.T) {
	disc := &stubDiscovery{running: 1, names: []string{"mdns", "consul"}}
	c := NewChecker(&stubRegistry{loaded: true}, stubSessions{}, disc, "", zaptest.NewLogger(t))

	status := c.Refresh()
	assert.False(t, status.Healthy)
	assert.True(t, status.Ready)
	assert.Equal(t, statusUnavailable, status.Subsystems[SubsystemDiscovery].Status)

	disc.running = 2
	assert.True(t, c.Refresh().Healthy)
}

func TestServerEndpoints(t *testing.T) {
	reg := &stubRegistry{}
	c := NewChecker(reg, stubSessions{}, nil, "", zaptest.NewLogger(t))
	srv := NewServer(c, "", 0, zaptest.NewLogger(t))
	handler := srv.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		return rec
	}

	rec := get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready").Code)

	reg.loaded = true

	rec = get("/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Healthy)
	assert.Len(t, status.Subsystems, 3)

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, "Ready", get("/ready").Body.String())

	require.NoError(t, srv.Start(), "a zero port disables the server")
}
