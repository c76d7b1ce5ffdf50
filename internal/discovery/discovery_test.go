package discovery

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/hashicorp/mdns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	"github.com/KennLDN/mc-panel-docker/internal/metrics"
	"github.com/KennLDN/mc-panel-docker/internal/registry"
	"github.com/KennLDN/mc-panel-docker/internal/store"
)

type healthEvent struct {
	name      string
	reachable bool
}

type recordingHandler struct {
	mu       sync.Mutex
	appeared []ServiceInfo
	health   []healthEvent
}

func (h *recordingHandler) ServiceAppeared(_ context.Context, info ServiceInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.appeared = append(h.appeared, info)
}

func (h *recordingHandler) ServiceHealthChanged(_ context.Context, name string, reachable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health = append(h.health, healthEvent{name: name, reachable: reachable})
}

func (h *recordingHandler) events() ([]ServiceInfo, []healthEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]ServiceInfo(nil), h.appeared...), append([]healthEvent(nil), h.health...)
}

// switchDialer answers probes from a per-address reachability table.
type switchDialer struct {
	mu   sync.Mutex
	down map[string]bool
}

func (d *switchDialer) set(addr string, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.down[addr] = down
}

func (d *switchDialer) dial(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	down := d.down[address]
	d.mu.Unlock()

	if down {
		return nil, stderrors.New("connection refused")
	}

	client, server := net.Pipe()
	_ = server.Close()

	return client, nil
}

func newTestProbe(t *testing.T) (*Probe, *registry.Registry, *recordingHandler, *switchDialer, *metrics.Registry) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	m := metrics.InitializeMetricsRegistry()
	reg := registry.New(store.NewMemoryStore(), "mc-relay/services", logger, m)

	p := NewProbe(reg, nil, ProbeConfig{Interval: time.Hour, Timeout: time.Second}, logger, m)

	h := &recordingHandler{}
	p.SetHandler(h)

	d := &switchDialer{down: make(map[string]bool)}
	p.SetDialer(d.dial)

	return p, reg, h, d, m
}

func TestStaticSourceEmitsConfiguredServices(t *testing.T) {
	src := NewStaticSource(config.StaticDiscoveryConfig{Services: []config.StaticServiceConfig{
		{Name: "alpha", Address: "10.0.0.5", Port: 8080},
		{Name: "beta", Address: "10.0.0.6", Port: 8081},
	}}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())

	var got []ServiceInfo

	done := make(chan error, 1)

	go func() {
		done <- src.Run(ctx, func(info ServiceInfo) { got = append(got, info) })
	}()

	cancel()
	require.NoError(t, <-done)

	require.Len(t, got, 2)
	assert.Equal(t, ServiceInfo{Name: "alpha", Address: "10.0.0.5", Port: 8080, Source: "static"}, got[0])
	assert.Equal(t, "beta", got[1].Name)
}

func TestMDNSEntryToInfo(t *testing.T) {
	src := NewMDNSSource(config.MDNSDiscoveryConfig{}, zaptest.NewLogger(t))

	tests := []struct {
		name  string
		entry *mdns.ServiceEntry
		want  ServiceInfo
		ok    bool
	}{
		{
			name: "instance name",
			entry: &mdns.ServiceEntry{
				Name:   "alpha._mcpanel._tcp.local.",
				AddrV4: net.ParseIP("10.0.0.5"),
				Port:   8080,
			},
			want: ServiceInfo{Name: "alpha", Address: "10.0.0.5", Port: 8080, Source: "mdns"},
			ok:   true,
		},
		{
			name: "txt override and ipv4 preferred",
			entry: &mdns.ServiceEntry{
				Name:       "Survival World._mcpanel._tcp.local.",
				AddrV4:     net.ParseIP("10.0.0.7"),
				AddrV6:     net.ParseIP("fe80::1"),
				Port:       9000,
				InfoFields: []string{"version=1.20", "name=survival"},
			},
			want: ServiceInfo{Name: "survival", Address: "10.0.0.7", Port: 9000, Source: "mdns"},
			ok:   true,
		},
		{
			name:  "no address",
			entry: &mdns.ServiceEntry{Name: "alpha._mcpanel._tcp.local.", Port: 8080},
		},
		{
			name:  "no port",
			entry: &mdns.ServiceEntry{Name: "alpha._mcpanel._tcp.local.", AddrV4: net.ParseIP("10.0.0.5")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := src.entryToInfo(tt.entry)
			assert.Equal(t, tt.ok, ok)

			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMDNSQueryOnceEmitsEntries(t *testing.T) {
	src := NewMDNSSource(config.MDNSDiscoveryConfig{Service: "_mcpanel._tcp"}, zaptest.NewLogger(t))

	var params *mdns.QueryParam

	src.query = func(p *mdns.QueryParam) error {
		params = p
		p.Entries <- &mdns.ServiceEntry{Name: "alpha._mcpanel._tcp.local.", AddrV4: net.ParseIP("10.0.0.5"), Port: 8080}
		p.Entries <- &mdns.ServiceEntry{Name: "broken._mcpanel._tcp.local."}

		return nil
	}

	var got []ServiceInfo

	require.NoError(t, src.queryOnce(context.Background(), func(info ServiceInfo) { got = append(got, info) }))

	require.NotNil(t, params)
	assert.Equal(t, "_mcpanel._tcp", params.Service)
	assert.Equal(t, DefaultMDNSDomain, params.Domain)
	require.Len(t, got, 1)
	assert.Equal(t, "alpha", got[0].Name)
}

func TestConsulEntryToInfo(t *testing.T) {
	info, ok := consulEntryToInfo(&consulapi.ServiceEntry{
		Node:    &consulapi.Node{Address: "10.0.0.9"},
		Service: &consulapi.AgentService{ID: "mc-1", Port: 8080, Meta: map[string]string{"name": "alpha"}},
	})
	require.True(t, ok)
	assert.Equal(t, ServiceInfo{Name: "alpha", Address: "10.0.0.9", Port: 8080, Source: "consul"}, info)

	info, ok = consulEntryToInfo(&consulapi.ServiceEntry{
		Service: &consulapi.AgentService{ID: "beta", Address: "10.0.0.10", Port: 8081},
	})
	require.True(t, ok)
	assert.Equal(t, "beta", info.Name)
	assert.Equal(t, "10.0.0.10", info.Address)

	_, ok = consulEntryToInfo(&consulapi.ServiceEntry{Service: &consulapi.AgentService{ID: "gamma", Port: 8082}})
	assert.False(t, ok)

	_, ok = consulEntryToInfo(&consulapi.ServiceEntry{})
	assert.False(t, ok)
}

func TestConsulSourceRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health/service/mc-panel" {
			http.NotFound(w, r)

			return
		}

		// Later blocking queries wait until the client goes away.
		if r.URL.Query().Get("index") != "" {
			<-r.Context().Done()

			return
		}

		w.Header().Set("X-Consul-Index", "7")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"Node":{"Node":"n1","Address":"10.0.0.9"},` +
			`"Service":{"ID":"alpha-1","Service":"mc-panel","Port":8080,"Meta":{"name":"alpha"}},"Checks":[]}]`))
	}))
	defer srv.Close()

	src, err := NewConsulSource(config.ConsulDiscoveryConfig{
		Address:  srv.Listener.Addr().String(),
		WaitTime: time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	found := make(chan ServiceInfo, 4)
	done := make(chan error, 1)

	go func() {
		done <- src.Run(ctx, func(info ServiceInfo) { found <- info })
	}()

	select {
	case info := <-found:
		assert.Equal(t, ServiceInfo{Name: "alpha", Address: "10.0.0.9", Port: 8080, Source: "consul"}, info)
	case <-time.After(5 * time.Second):
		t.Fatal("no advertisement from consul")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestKubernetesSourceList(t *testing.T) {
	client := fake.NewSimpleClientset(
		&v1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name: "mc-alpha", Namespace: "games",
				Labels: map[string]string{"app": "minecraft", "mc-panel/name": "alpha"},
			},
			Spec: v1.ServiceSpec{
				ClusterIP: "10.96.0.10",
				Ports: []v1.ServicePort{
					{Name: "game", Port: 25565},
					{Name: "relay", Port: 8080},
				},
			},
		},
		&v1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name: "beta", Namespace: "games",
				Labels: map[string]string{"app": "minecraft"},
			},
			Spec: v1.ServiceSpec{
				ClusterIP: "10.96.0.11",
				Ports:     []v1.ServicePort{{Name: "http", Port: 9000}},
			},
		},
		&v1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name: "headless", Namespace: "games",
				Labels: map[string]string{"app": "minecraft"},
			},
			Spec: v1.ServiceSpec{
				ClusterIP: v1.ClusterIPNone,
				Ports:     []v1.ServicePort{{Name: "relay", Port: 8080}},
			},
		},
		&v1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name: "unrelated", Namespace: "games",
				Labels: map[string]string{"app": "web"},
			},
			Spec: v1.ServiceSpec{
				ClusterIP: "10.96.0.12",
				Ports:     []v1.ServicePort{{Name: "relay", Port: 8080}},
			},
		},
	)

	src := NewKubernetesSourceWithClient(client, config.KubernetesDiscoveryConfig{
		Namespace:     "games",
		LabelSelector: "app=minecraft",
	}, zaptest.NewLogger(t))

	infos, err := src.List(context.Background())
	require.NoError(t, err)

	byName := make(map[string]ServiceInfo)
	for _, info := range infos {
		byName[info.Name] = info
	}

	require.Len(t, byName, 2)
	assert.Equal(t, ServiceInfo{Name: "alpha", Address: "10.96.0.10", Port: 8080, Source: "kubernetes"}, byName["alpha"])
	assert.Equal(t, 9000, byName["beta"].Port)
}

func TestCreateSources(t *testing.T) {
	logger := zaptest.NewLogger(t)

	sources, err := CreateSources(config.DiscoveryConfig{
		Providers: []string{config.ProviderStatic, config.ProviderMDNS},
	}, logger)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "static", sources[0].Name())
	assert.Equal(t, "mdns", sources[1].Name())

	_, err = CreateSources(config.DiscoveryConfig{Providers: []string{"zookeeper"}}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zookeeper")
}

func TestAppearPersistsAndNotifies(t *testing.T) {
	p, reg, h, _, m := newTestProbe(t)
	ctx := context.Background()

	p.Appear(ctx, ServiceInfo{Name: "alpha", Address: "10.0.0.5", Port: 8080, Source: "mdns"})
	p.Appear(ctx, ServiceInfo{Name: "alpha", Address: "10.0.0.5", Port: 8080, Source: "mdns"})

	rec, ok := reg.Get("alpha")
	require.True(t, ok)
	assert.True(t, rec.Reachable)
	assert.Equal(t, "10.0.0.5:8080", rec.HostPort())

	appeared, _ := h.events()
	assert.Len(t, appeared, 2)
	assert.InDelta(t, 2, testutil.ToFloat64(m.DiscoveredTotal.WithLabelValues("mdns")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RegistryWritesTotal.WithLabelValues("ok")), 0)
}

func TestAppearRejectsInvalidAdvertisement(t *testing.T) {
	p, reg, h, _, _ := newTestProbe(t)
	ctx := context.Background()

	p.Appear(ctx, ServiceInfo{Name: "../etc", Address: "10.0.0.5", Port: 8080})
	p.Appear(ctx, ServiceInfo{Name: "alpha", Address: "", Port: 8080})
	p.Appear(ctx, ServiceInfo{Name: "alpha", Address: "10.0.0.5", Port: 70000})

	assert.Empty(t, reg.List())

	appeared, _ := h.events()
	assert.Empty(t, appeared)
}

func TestProbeOnceReportsTransitionsOnly(t *testing.T) {
	p, reg, h, d, m := newTestProbe(t)
	ctx := context.Background()

	p.Appear(ctx, ServiceInfo{Name: "alpha", Address: "10.0.0.5", Port: 8080})
	p.Appear(ctx, ServiceInfo{Name: "beta", Address: "10.0.0.6", Port: 8080})

	assert.Equal(t, 0, p.ProbeOnce(ctx), "fresh records are already reachable")

	d.set("10.0.0.5:8080", true)
	assert.Equal(t, 1, p.ProbeOnce(ctx))
	assert.Equal(t, 0, p.ProbeOnce(ctx), "a second failure is not a transition")

	rec, _ := reg.Get("alpha")
	assert.False(t, rec.Reachable)

	d.set("10.0.0.5:8080", false)
	assert.Equal(t, 1, p.ProbeOnce(ctx))

	_, health := h.events()
	assert.Equal(t, []healthEvent{{name: "alpha", reachable: false}, {name: "alpha", reachable: true}}, health)
	assert.InDelta(t, 2, testutil.ToFloat64(m.ProbeResultsTotal.WithLabelValues("unreachable")), 0)
}

func TestProbeStartStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := registry.New(store.NewMemoryStore(), "mc-relay/services", logger, nil)

	src := NewStaticSource(config.StaticDiscoveryConfig{Services: []config.StaticServiceConfig{
		{Name: "alpha", Address: "10.0.0.5", Port: 8080},
	}}, logger)

	p := NewProbe(reg, []Source{src}, ProbeConfig{Interval: time.Hour}, logger, nil)
	h := &recordingHandler{}
	p.SetHandler(h)

	require.NoError(t, p.Start(context.Background()))
	require.Error(t, p.Start(context.Background()))

	require.Eventually(t, func() bool {
		appeared, _ := h.events()

		return len(appeared) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, p.RunningSources())
	assert.Equal(t, []string{"static"}, p.SourceNames())

	p.Stop()
	assert.Equal(t, 0, p.RunningSources())
	p.Stop()
}
