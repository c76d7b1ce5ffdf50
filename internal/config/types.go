// Package config defines configuration structures for the relay.
package config

import (
	"time"
)

// Config represents the complete configuration for mc-relay.
type Config struct {
	Version     int               `mapstructure:"version"`
	Server      ServerConfig      `mapstructure:"server"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Store       StoreConfig       `mapstructure:"store"`
	Interceptor InterceptorConfig `mapstructure:"interceptor"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig represents the HTTP listeners.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	HealthPort      int           `mapstructure:"health_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// RelayConfig controls the observer side of the fan-out.
type RelayConfig struct {
	// ObserverBuffer is the number of frames queued per observer before it counts as not writable.
	ObserverBuffer int           `mapstructure:"observer_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// LifecycleConfig controls upstream connections and reconnection.
type LifecycleConfig struct {
	UpstreamScheme   string            `mapstructure:"upstream_scheme"`
	UpstreamPath     string            `mapstructure:"upstream_path"`
	UpstreamHeaders  map[string]string `mapstructure:"upstream_headers"` // sent with every upstream handshake
	HandshakeTimeout time.Duration     `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration     `mapstructure:"write_timeout"`
	PingInterval     time.Duration     `mapstructure:"ping_interval"`
	PongTimeout      time.Duration     `mapstructure:"pong_timeout"`
	MaxMessageSize   int64             `mapstructure:"max_message_size"`
	Backoff          BackoffConfig     `mapstructure:"backoff"`
}

// BackoffConfig is the reconnect schedule.
type BackoffConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       float64       `mapstructure:"jitter"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// DiscoveryConfig selects advertisement sources and tunes the health loop.
type DiscoveryConfig struct {
	Providers      []string                  `mapstructure:"providers"`
	HealthInterval time.Duration             `mapstructure:"health_interval"`
	ProbeTimeout   time.Duration             `mapstructure:"probe_timeout"`
	MDNS           MDNSDiscoveryConfig       `mapstructure:"mdns"`
	Consul         ConsulDiscoveryConfig     `mapstructure:"consul"`
	Kubernetes     KubernetesDiscoveryConfig `mapstructure:"kubernetes"`
	Static         StaticDiscoveryConfig     `mapstructure:"static"`
}

// MDNSDiscoveryConfig represents LAN advertisement browsing.
type MDNSDiscoveryConfig struct {
	Service       string        `mapstructure:"service"`
	Domain        string        `mapstructure:"domain"`
	QueryInterval time.Duration `mapstructure:"query_interval"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout"`
	DisableIPv6   bool          `mapstructure:"disable_ipv6"`
}

// ConsulDiscoveryConfig represents Consul catalog discovery.
type ConsulDiscoveryConfig struct {
	Address     string        `mapstructure:"address"`
	Datacenter  string        `mapstructure:"datacenter"`
	Token       string        `mapstructure:"token"`
	Service     string        `mapstructure:"service"`
	Tag         string        `mapstructure:"tag"`
	WaitTime    time.Duration `mapstructure:"wait_time"`
	OnlyPassing bool          `mapstructure:"only_passing"`
}

// KubernetesDiscoveryConfig represents Kubernetes service discovery.
type KubernetesDiscoveryConfig struct {
	InCluster     bool          `mapstructure:"in_cluster"`
	ConfigPath    string        `mapstructure:"config_path"`
	Namespace     string        `mapstructure:"namespace"`
	LabelSelector string        `mapstructure:"label_selector"`
	PortName      string        `mapstructure:"port_name"`
	RefreshRate   time.Duration `mapstructure:"refresh_rate"`
}

// StaticDiscoveryConfig lists backends known ahead of time.
type StaticDiscoveryConfig struct {
	Services []StaticServiceConfig `mapstructure:"services"`
}

// StaticServiceConfig is a single static backend.
type StaticServiceConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// StoreConfig selects the key-value store holding the service registry.
type StoreConfig struct {
	Provider string      `mapstructure:"provider"` // "memory", "redis" or "etcd"
	Key      string      `mapstructure:"key"`
	Redis    RedisConfig `mapstructure:"redis"`
	Etcd     EtcdConfig  `mapstructure:"etcd"`
}

// RedisConfig represents Redis configuration.
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// EtcdConfig represents etcd configuration.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// InterceptorConfig controls the upstream tap.
type InterceptorConfig struct {
	HistorySize int        `mapstructure:"history_size"`
	Chat        ChatConfig `mapstructure:"chat"`
}

// ChatConfig controls chat matching and the outbound sink.
type ChatConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Pattern    string        `mapstructure:"pattern"`
	WebhookURL string        `mapstructure:"webhook_url"`
	RateLimit  float64       `mapstructure:"rate_limit"` // posts per second
	Burst      int           `mapstructure:"burst"`
	QueueSize  int           `mapstructure:"queue_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig represents the distributed tracing configuration.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	Environment    string  `mapstructure:"environment"`
	SamplerType    string  `mapstructure:"sampler_type"`
	SamplerParam   float64 `mapstructure:"sampler_param"`
	ExporterType   string  `mapstructure:"exporter_type"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool    `mapstructure:"otlp_insecure"`
}
