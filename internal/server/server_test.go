package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	"github.com/KennLDN/mc-panel-docker/internal/discovery"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/fleet"
	"github.com/KennLDN/mc-panel-docker/internal/intercept"
	"github.com/KennLDN/mc-panel-docker/internal/lifecycle"
	"github.com/KennLDN/mc-panel-docker/internal/metrics"
	"github.com/KennLDN/mc-panel-docker/internal/registry"
	"github.com/KennLDN/mc-panel-docker/internal/relay"
	"github.com/KennLDN/mc-panel-docker/internal/store"
	"github.com/KennLDN/mc-panel-docker/test/testutil"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func newFleet(t *testing.T) *fleet.Coordinator {
	t.Helper()

	logger := testutil.NewTestLogger(t)
	m := metrics.InitializeMetricsRegistry()

	reg := registry.New(store.NewMemoryStore(), "mc-relay/services", logger, m)
	dialer := lifecycle.NewWebSocketDialer(lifecycle.WebSocketDialerConfig{
		Path:             testutil.BackendPath,
		HandshakeTimeout: time.Second,
	}, logger)
	sessions := lifecycle.NewManager(dialer, lifecycle.Options{Backoff: lifecycle.BackoffPolicy{
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     20 * time.Millisecond,
		MaxAttempts:  3,
	}}, logger, m)
	rl := relay.New(sessions, logger, m)
	ic := intercept.New(10, nil, nil, logger, m)

	t.Cleanup(sessions.Shutdown)

	return fleet.New(reg, sessions, rl, ic, logger, m)
}

func newTestServer(t *testing.T, f Fleet, origins ...string) *httptest.Server {
	t.Helper()

	cfg := &config.Config{Server: config.ServerConfig{AllowedOrigins: origins}}
	s := New(cfg, f, nil, testutil.NewTestLogger(t), metrics.InitializeMetricsRegistry())

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return ts
}

func relayURL(ts *httptest.Server, name string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay/" + name
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body
}

// stubFleet reports every service as open and rejects every attach.
type stubFleet struct{}

func (stubFleet) Services() []fleet.ServiceStatus { return nil }

func (stubFleet) Service(name string) (fleet.ServiceStatus, error) {
	return fleet.ServiceStatus{Name: name, State: "OPEN"}, nil
}

func (stubFleet) Register(context.Context, discovery.ServiceInfo) (fleet.ServiceStatus, error) {
	return fleet.ServiceStatus{}, customerrors.New(customerrors.TypeInternal, "not supported")
}

func (stubFleet) Delete(context.Context, string) error { return nil }

func (stubFleet) Attach(name string, _ relay.Observer) error {
	return customerrors.NewServiceNotReadyError(name)
}

func (stubFleet) Detach(string, relay.Observer)     {}
func (stubFleet) Forward(string, int, []byte) error { return nil }
func (stubFleet) IsOpen(string) bool                { return true }

func (stubFleet) History(string) ([]intercept.InterceptedMessage, error) {
	return nil, nil
}

func TestServiceAPILifecycle(t *testing.T) {
	ts := newTestServer(t, newFleet(t))
	b := testutil.NewBackend(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/services", RegisterRequest{
		Name: "survival", Address: b.Host(), Port: b.Port(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var created fleet.ServiceStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "survival", created.Name)
	assert.Equal(t, b.Port(), created.Port)

	require.Eventually(t, func() bool { return b.Connections() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		var st fleet.ServiceStatus
		r := doJSON(t, http.MethodGet, ts.URL+"/api/services/survival", nil)

		return json.NewDecoder(r.Body).Decode(&st) == nil && st.State == "OPEN"
	}, waitFor, 20*time.Millisecond)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/services", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []fleet.ServiceStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "survival", list[0].Name)

	require.Equal(t, 1, b.Push("[12:00:00 INFO]: Done"))
	require.Eventually(t, func() bool {
		var h HistoryResponse
		r := doJSON(t, http.MethodGet, ts.URL+"/api/services/survival/messages", nil)

		return json.NewDecoder(r.Body).Decode(&h) == nil && len(h.Messages) == 1
	}, waitFor, 20*time.Millisecond)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/services/survival", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Eventually(t, func() bool { return b.Connections() == 0 }, waitFor, tick)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/services/survival", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "SERVICE_NOT_FOUND", decodeError(t, resp).Code)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/services/survival", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServiceAPIValidation(t *testing.T) {
	ts := newTestServer(t, newFleet(t))

	tests := []struct {
		name string
		body interface{}
	}{
		{"bad name", RegisterRequest{Name: "../etc", Address: "127.0.0.1", Port: 25565}},
		{"bad address", RegisterRequest{Name: "lobby", Address: "not an address", Port: 25565}},
		{"bad port", RegisterRequest{Name: "lobby", Address: "127.0.0.1", Port: 70000}},
		{"not json", "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, ts.URL+"/api/services", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decodeError(t, resp).Message)
		})
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/no/such/route", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelayRoundTrip(t *testing.T) {
	f := newFleet(t)
	ts := newTestServer(t, f)
	b := testutil.NewBackend(t)

	_, err := f.Register(context.Background(), discovery.ServiceInfo{Name: "creative", Address: b.Host(), Port: b.Port()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.IsOpen("creative") && b.Connections() == 1 }, waitFor, tick)

	client, resp, err := websocket.DefaultDialer.Dial(relayURL(ts, "creative"), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	defer client.Close()

	require.Eventually(t, func() bool {
		st, err := f.Service("creative")

		return err == nil && st.Observers == 1
	}, waitFor, tick)

	require.Equal(t, 1, b.Push("Steve joined the game"))

	_ = client.SetReadDeadline(time.Now().Add(waitFor))
	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "Steve joined the game", string(data))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("list")))
	require.Eventually(t, func() bool { return len(b.Received()) == 1 }, waitFor, tick)
	assert.Equal(t, "list", b.Received()[0])

	require.NoError(t, f.Delete(context.Background(), "creative"))

	_, _, err = client.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Contains(t, closeErr.Text, "creative")
}

func TestRelayRejectsBeforeUpgrade(t *testing.T) {
	f := newFleet(t)
	ts := newTestServer(t, f)

	_, resp, err := websocket.DefaultDialer.Dial(relayURL(ts, "missing"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	_, resp, err = websocket.DefaultDialer.Dial(relayURL(ts, "-lobby"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	// Nothing listens on port 1, so the session never opens.
	_, err = f.Register(context.Background(), discovery.ServiceInfo{Name: "offline", Address: "127.0.0.1", Port: 1})
	require.NoError(t, err)

	_, resp, err = websocket.DefaultDialer.Dial(relayURL(ts, "offline"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "SERVICE_NOT_READY", decodeError(t, resp).Code)
}

func TestRelayAttachFailureAfterUpgrade(t *testing.T) {
	ts := newTestServer(t, stubFleet{})

	client, resp, err := websocket.DefaultDialer.Dial(relayURL(ts, "lobby"), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err = client.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}

func TestRelayOriginAllowList(t *testing.T) {
	ts := newTestServer(t, stubFleet{}, "http://panel.local")

	header := http.Header{"Origin": []string{"http://elsewhere.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(relayURL(ts, "lobby"), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	header.Set("Origin", "http://panel.local")
	client, resp, err := websocket.DefaultDialer.Dial(relayURL(ts, "lobby"), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = client.Close()
}
