package config

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
)

func validConfig() *Config {
	return &Config{
		Version: 1,
		Server:  ServerConfig{Port: 8080, MetricsPort: 9090, HealthPort: 8081},
		Relay:   RelayConfig{ObserverBuffer: 64},
		Lifecycle: LifecycleConfig{
			UpstreamScheme: "ws",
			UpstreamPath:   "/",
			Backoff: BackoffConfig{
				InitialDelay: time.Second,
				Multiplier:   2,
				MaxDelay:     30 * time.Second,
				Jitter:       0.1,
				MaxAttempts:  10,
			},
		},
		Discovery: DiscoveryConfig{
			Providers:      []string{ProviderStatic},
			HealthInterval: 30 * time.Second,
			ProbeTimeout:   2 * time.Second,
			Static: StaticDiscoveryConfig{Services: []StaticServiceConfig{
				{Name: "alpha", Address: "10.0.0.5", Port: 8080},
			}},
		},
		Store:       StoreConfig{Provider: StoreMemory, Key: "mc-relay/services"},
		Interceptor: InterceptorConfig{HistorySize: 500},
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateConfig(validConfig()))
	require.Error(t, ValidateConfig(nil))

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 2 }, "version"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"observer buffer", func(c *Config) { c.Relay.ObserverBuffer = 0 }, "relay.observer_buffer"},
		{"scheme", func(c *Config) { c.Lifecycle.UpstreamScheme = "http" }, "lifecycle.upstream_scheme"},
		{"max below initial", func(c *Config) { c.Lifecycle.Backoff.MaxDelay = time.Millisecond }, "lifecycle.backoff.max_delay"},
		{"jitter", func(c *Config) { c.Lifecycle.Backoff.Jitter = 1.5 }, "lifecycle.backoff.jitter"},
		{"attempts", func(c *Config) { c.Lifecycle.Backoff.MaxAttempts = 0 }, "lifecycle.backoff.max_attempts"},
		{"probe timeout", func(c *Config) { c.Discovery.ProbeTimeout = time.Minute }, "discovery.probe_timeout"},
		{"provider", func(c *Config) { c.Discovery.Providers = []string{"zeroconf"} }, "discovery.providers"},
		{"static name", func(c *Config) { c.Discovery.Static.Services[0].Name = "../alpha" }, "discovery.static.services[0].name"},
		{"store provider", func(c *Config) { c.Store.Provider = "bolt" }, "store.provider"},
		{"redis url", func(c *Config) { c.Store.Provider = StoreRedis }, "store.redis.url"},
		{"etcd endpoints", func(c *Config) { c.Store.Provider = StoreEtcd }, "store.etcd.endpoints"},
		{"history", func(c *Config) { c.Interceptor.HistorySize = 0 }, "interceptor.history_size"},
		{"chat pattern", func(c *Config) {
			c.Interceptor.Chat = ChatConfig{Enabled: true, Pattern: "(", QueueSize: 1}
		}, "interceptor.chat.pattern"},
		{"webhook url", func(c *Config) {
			c.Interceptor.Chat = ChatConfig{Enabled: true, Pattern: ".*", WebhookURL: "ftp://x", QueueSize: 1}
		}, "interceptor.chat.webhook_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			require.Error(t, err)

			var re *customerrors.RelayError
			require.True(t, stderrors.As(err, &re))
			assert.Equal(t, tt.field, re.Context["field"])
		})
	}
}

func TestValidServiceName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"alpha", "survival-1", "Creative_World", "a.b"} {
		assert.True(t, ValidServiceName(name), name)
	}

	for _, name := range []string{"", ".hidden", "../etc", "has space", "a/b", string(make([]byte, 70))} {
		assert.False(t, ValidServiceName(name), name)
	}
}
