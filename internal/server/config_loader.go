package server

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	"github.com/KennLDN/mc-panel-docker/internal/discovery"
	"github.com/KennLDN/mc-panel-docker/internal/intercept"
	"github.com/KennLDN/mc-panel-docker/internal/lifecycle"
)

const (
	envPrefix = "MC_RELAY"

	defaultHTTPPort        = 8080
	defaultMetricsPort     = 9090
	defaultHealthPort      = 8081
	defaultObserverBuffer  = 256
	defaultMaxMessageSize  = 1 << 20
	defaultChatRateLimit   = 1.0
	defaultChatBurst       = 5
	defaultChatQueueSize   = 100
	defaultRedisPoolSize   = 10
	defaultRedisMaxRetries = 3
)

// LoadConfig reads the YAML file at configPath, if any, over the built-in
// defaults and MC_RELAY_* environment variables, then validates the result.
func LoadConfig(configPath string) (*config.Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("version", 1)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultHTTPPort)
	v.SetDefault("server.metrics_port", defaultMetricsPort)
	v.SetDefault("server.health_port", defaultHealthPort)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("relay.observer_buffer", defaultObserverBuffer)
	v.SetDefault("relay.write_timeout", "10s")
	v.SetDefault("relay.ping_interval", "30s")
	v.SetDefault("relay.pong_timeout", "60s")
	v.SetDefault("relay.max_message_size", defaultMaxMessageSize)
}

func setLifecycleDefaults(v *viper.Viper) {
	v.SetDefault("lifecycle.upstream_scheme", "ws")
	v.SetDefault("lifecycle.upstream_path", "/")
	v.SetDefault("lifecycle.handshake_timeout", "10s")
	v.SetDefault("lifecycle.write_timeout", "10s")
	v.SetDefault("lifecycle.ping_interval", "30s")
	v.SetDefault("lifecycle.pong_timeout", "60s")
	v.SetDefault("lifecycle.max_message_size", defaultMaxMessageSize)
	v.SetDefault("lifecycle.backoff.initial_delay", lifecycle.DefaultInitialDelay)
	v.SetDefault("lifecycle.backoff.multiplier", lifecycle.DefaultMultiplier)
	v.SetDefault("lifecycle.backoff.max_delay", lifecycle.DefaultMaxDelay)
	v.SetDefault("lifecycle.backoff.jitter", lifecycle.DefaultJitter)
	v.SetDefault("lifecycle.backoff.max_attempts", lifecycle.DefaultMaxAttempts)
}

func setDiscoveryDefaults(v *viper.Viper) {
	v.SetDefault("discovery.providers", []string{config.ProviderMDNS})
	v.SetDefault("discovery.health_interval", discovery.DefaultHealthInterval)
	v.SetDefault("discovery.probe_timeout", discovery.DefaultProbeTimeout)
	v.SetDefault("discovery.mdns.service", discovery.DefaultMDNSService)
	v.SetDefault("discovery.mdns.domain", discovery.DefaultMDNSDomain)
	v.SetDefault("discovery.mdns.query_interval", discovery.DefaultMDNSQueryInterval)
	v.SetDefault("discovery.mdns.query_timeout", discovery.DefaultMDNSQueryTimeout)
	v.SetDefault("discovery.consul.address", "127.0.0.1:8500")
	v.SetDefault("discovery.consul.service", discovery.DefaultConsulService)
	v.SetDefault("discovery.consul.wait_time", discovery.DefaultConsulWaitTime)
	v.SetDefault("discovery.consul.only_passing", true)
	v.SetDefault("discovery.kubernetes.in_cluster", true)
	v.SetDefault("discovery.kubernetes.namespace", "default")
	v.SetDefault("discovery.kubernetes.label_selector", "app.kubernetes.io/part-of=mc-panel")
	v.SetDefault("discovery.kubernetes.port_name", discovery.DefaultKubernetesPortName)
	v.SetDefault("discovery.kubernetes.refresh_rate", discovery.DefaultKubernetesRefreshRate)
}

func setOperationalDefaults(v *viper.Viper) {
	v.SetDefault("store.provider", config.StoreMemory)
	v.SetDefault("store.key", "mc-relay/services")
	v.SetDefault("store.redis.pool_size", defaultRedisPoolSize)
	v.SetDefault("store.redis.max_retries", defaultRedisMaxRetries)
	v.SetDefault("store.redis.dial_timeout", "5s")
	v.SetDefault("store.etcd.dial_timeout", "5s")
	v.SetDefault("interceptor.history_size", intercept.DefaultHistorySize)
	v.SetDefault("interceptor.chat.enabled", false)
	v.SetDefault("interceptor.chat.pattern", intercept.DefaultChatPattern)
	v.SetDefault("interceptor.chat.rate_limit", defaultChatRateLimit)
	v.SetDefault("interceptor.chat.burst", defaultChatBurst)
	v.SetDefault("interceptor.chat.queue_size", defaultChatQueueSize)
	v.SetDefault("interceptor.chat.timeout", "5s")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "mc-relay")
	v.SetDefault("tracing.sampler_type", "always_on")
	v.SetDefault("tracing.exporter_type", "otlp")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.otlp_insecure", true)
}

func setDefaults(v *viper.Viper) {
	setServerDefaults(v)
	setLifecycleDefaults(v)
	setDiscoveryDefaults(v)
	setOperationalDefaults(v)
}
