package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/metrics"
)

type fakeUpstream struct {
	mu   sync.Mutex
	open map[string]bool
	sent []string
}

func newFakeUpstream(open ...string) *fakeUpstream {
	u := &fakeUpstream{open: make(map[string]bool)}
	for _, name := range open {
		u.open[name] = true
	}

	return u
}

func (u *fakeUpstream) IsOpen(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.open[name]
}

func (u *fakeUpstream) Send(name string, _ int, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.open[name] {
		return customerrors.NewNotDeliveredError(name)
	}

	u.sent = append(u.sent, string(data))

	return nil
}

type fakeObserver struct {
	id       string
	writable bool

	mu       sync.Mutex
	received []string
	code     int
	reason   string
}

func (o *fakeObserver) ID() string { return o.id }

func (o *fakeObserver) Send(_ int, data []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.writable {
		return false
	}

	o.received = append(o.received, string(data))

	return true
}

func (o *fakeObserver) Close(code int, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.code = code
	o.reason = reason
}

func TestFanOutPreservesOrder(t *testing.T) {
	t.Parallel()

	m := metrics.InitializeMetricsRegistry()
	r := New(newFakeUpstream("alpha"), zaptest.NewLogger(t), m)

	a := &fakeObserver{id: "a", writable: true}
	b := &fakeObserver{id: "b", writable: true}
	require.NoError(t, r.Attach("alpha", a))
	require.NoError(t, r.Attach("alpha", b))

	for _, msg := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, 2, r.Broadcast("alpha", websocket.TextMessage, []byte(msg)))
	}

	assert.Equal(t, []string{"m1", "m2", "m3"}, a.received)
	assert.Equal(t, []string{"m1", "m2", "m3"}, b.received)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ObserversActive), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.MessagesRelayedTotal.WithLabelValues("downstream", "text")), 0)
}

func TestBroadcastSkipsBusyObserver(t *testing.T) {
	t.Parallel()

	m := metrics.InitializeMetricsRegistry()
	r := New(newFakeUpstream("alpha"), zaptest.NewLogger(t), m)

	ready := &fakeObserver{id: "ready", writable: true}
	busy := &fakeObserver{id: "busy"}
	require.NoError(t, r.Attach("alpha", ready))
	require.NoError(t, r.Attach("alpha", busy))

	assert.Equal(t, 1, r.Broadcast("alpha", websocket.BinaryMessage, []byte{0x01}))
	assert.Len(t, ready.received, 1)
	assert.Empty(t, busy.received)
	assert.Equal(t, 2, r.Count("alpha"), "a busy observer stays attached")
	assert.InDelta(t, 1, testutil.ToFloat64(m.BroadcastSkipsTotal), 0)
}

func TestAttachRequiresOpenUpstream(t *testing.T) {
	t.Parallel()

	m := metrics.InitializeMetricsRegistry()
	r := New(newFakeUpstream(), zaptest.NewLogger(t), m)

	err := r.Attach("alpha", &fakeObserver{id: "a", writable: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, customerrors.ErrServiceNotReady)
	assert.Equal(t, 0, r.Count("alpha"))
	assert.InDelta(t, 1, testutil.ToFloat64(m.ObserverRejectionsTotal.WithLabelValues("not_ready")), 0)
}

func TestForward(t *testing.T) {
	t.Parallel()

	m := metrics.InitializeMetricsRegistry()
	up := newFakeUpstream("alpha")
	r := New(up, zaptest.NewLogger(t), m)

	require.NoError(t, r.Forward("alpha", websocket.TextMessage, []byte("say hi")))
	assert.Equal(t, []string{"say hi"}, up.sent)

	err := r.Forward("beta", websocket.TextMessage, []byte("lost"))
	require.Error(t, err)
	assert.ErrorIs(t, err, customerrors.ErrNotDelivered)
	assert.Equal(t, []string{"say hi"}, up.sent, "undelivered frames are not queued")
	assert.InDelta(t, 1, testutil.ToFloat64(m.UndeliveredTotal), 0)
}

func TestDetachAndCloseAll(t *testing.T) {
	t.Parallel()

	m := metrics.InitializeMetricsRegistry()
	r := New(newFakeUpstream("alpha"), zaptest.NewLogger(t), m)

	a := &fakeObserver{id: "a", writable: true}
	b := &fakeObserver{id: "b", writable: true}
	require.NoError(t, r.Attach("alpha", a))
	require.NoError(t, r.Attach("alpha", b))
	require.NoError(t, r.Attach("alpha", b))
	assert.Equal(t, 2, r.Count("alpha"))

	assert.True(t, r.Detach("alpha", a))
	assert.False(t, r.Detach("alpha", a))
	assert.Equal(t, 0, a.code, "detach does not close the observer")

	assert.Equal(t, 1, r.CloseAll("alpha", websocket.CloseInternalServerErr, "upstream alpha lost"))
	assert.Equal(t, websocket.CloseInternalServerErr, b.code)
	assert.Equal(t, "upstream alpha lost", b.reason)
	assert.Equal(t, 0, r.Count("alpha"))
	assert.Empty(t, r.Counts())
	assert.InDelta(t, 0, testutil.ToFloat64(m.ObserversActive), 0)

	assert.Equal(t, 0, r.CloseAll("alpha", websocket.CloseNormalClosure, "again"))
}

func TestWebSocketObserver(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	up := newFakeUpstream("alpha")
	r := New(up, zaptest.NewLogger(t), nil)
	attached := make(chan *WebSocketObserver, 1)
	runErr := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}

		obs := NewWebSocketObserver("alpha", conn, ObserverConfig{Buffer: 8}, zaptest.NewLogger(t))
		if err := r.Attach("alpha", obs); err != nil {
			obs.Close(websocket.CloseTryAgainLater, "not ready")
		}

		attached <- obs

		runErr <- obs.Run(func(mt int, data []byte) {
			_ = r.Forward("alpha", mt, data)
		})

		r.Detach("alpha", obs)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	obs := <-attached
	assert.NotEmpty(t, obs.ID())

	r.Broadcast("alpha", websocket.TextMessage, []byte("tick"))
	r.Broadcast("alpha", websocket.BinaryMessage, []byte{0xCA, 0xFE})

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))

	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "tick", string(data))

	mt, data, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{0xCA, 0xFE}, data)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("list")))
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()

		return len(up.sent) == 1 && up.sent[0] == "list"
	}, 2*time.Second, 5*time.Millisecond)

	r.CloseAll("alpha", websocket.CloseInternalServerErr, "upstream alpha lost: retries exhausted")

	_, _, err = client.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	assert.Contains(t, closeErr.Text, "alpha")

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not stop")
	}
}
