package config

import (
	"fmt"
	"net/url"
	"regexp"

	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
)

const (
	maxPort = 65535

	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreEtcd   = "etcd"

	ProviderMDNS       = "mdns"
	ProviderConsul     = "consul"
	ProviderKubernetes = "kubernetes"
	ProviderStatic     = "static"
)

// ValidateConfig validates the entire configuration.
func ValidateConfig(config *Config) error {
	if config == nil {
		return customerrors.NewValidationError("config cannot be nil").WithComponent("config")
	}

	if config.Version != 1 {
		return customerrors.NewConfigError("version", fmt.Sprintf("unsupported config version: %d", config.Version))
	}

	validators := []func(*Config) error{
		validateServer,
		validateLifecycle,
		validateDiscovery,
		validateStore,
		validateInterceptor,
	}

	for _, v := range validators {
		if err := v(config); err != nil {
			return err
		}
	}

	return nil
}

func validatePort(field string, port int) error {
	if port <= 0 || port > maxPort {
		return customerrors.NewConfigError(field, fmt.Sprintf("invalid port: %d", port))
	}

	return nil
}

func validateServer(c *Config) error {
	if err := validatePort("server.port", c.Server.Port); err != nil {
		return err
	}

	if c.Server.MetricsPort != 0 {
		if err := validatePort("server.metrics_port", c.Server.MetricsPort); err != nil {
			return err
		}
	}

	if c.Server.HealthPort != 0 {
		if err := validatePort("server.health_port", c.Server.HealthPort); err != nil {
			return err
		}
	}

	if c.Relay.ObserverBuffer <= 0 {
		return customerrors.NewConfigError("relay.observer_buffer", "must be positive")
	}

	return nil
}

func validateLifecycle(c *Config) error {
	l := c.Lifecycle

	if l.UpstreamScheme != "ws" && l.UpstreamScheme != "wss" {
		return customerrors.NewConfigError("lifecycle.upstream_scheme", "must be ws or wss")
	}

	b := l.Backoff

	switch {
	case b.InitialDelay <= 0:
		return customerrors.NewConfigError("lifecycle.backoff.initial_delay", "must be positive")
	case b.MaxDelay < b.InitialDelay:
		return customerrors.NewConfigError("lifecycle.backoff.max_delay", "must not be below initial_delay")
	case b.Multiplier < 1:
		return customerrors.NewConfigError("lifecycle.backoff.multiplier", "must be at least 1")
	case b.Jitter < 0 || b.Jitter >= 1:
		return customerrors.NewConfigError("lifecycle.backoff.jitter", "must be in [0, 1)")
	case b.MaxAttempts <= 0:
		return customerrors.NewConfigError("lifecycle.backoff.max_attempts", "must be positive")
	}

	return nil
}

func validateDiscovery(c *Config) error {
	d := c.Discovery

	if d.HealthInterval <= 0 {
		return customerrors.NewConfigError("discovery.health_interval", "must be positive")
	}

	if d.ProbeTimeout <= 0 || d.ProbeTimeout >= d.HealthInterval {
		return customerrors.NewConfigError("discovery.probe_timeout", "must be positive and below health_interval")
	}

	for _, p := range d.Providers {
		switch p {
		case ProviderMDNS, ProviderConsul, ProviderKubernetes:
		case ProviderStatic:
			for i, s := range d.Static.Services {
				field := fmt.Sprintf("discovery.static.services[%d]", i)
				if !ValidServiceName(s.Name) {
					return customerrors.NewConfigError(field+".name", "invalid service name")
				}

				if err := validatePort(field+".port", s.Port); err != nil {
					return err
				}
			}
		default:
			return customerrors.NewConfigError("discovery.providers", "unknown provider "+p)
		}
	}

	return nil
}

func validateStore(c *Config) error {
	s := c.Store

	if s.Key == "" {
		return customerrors.NewConfigError("store.key", "must not be empty")
	}

	switch s.Provider {
	case StoreMemory:
	case StoreRedis:
		if s.Redis.URL == "" {
			return customerrors.NewConfigError("store.redis.url", "required for redis store")
		}
	case StoreEtcd:
		if len(s.Etcd.Endpoints) == 0 {
			return customerrors.NewConfigError("store.etcd.endpoints", "required for etcd store")
		}
	default:
		return customerrors.NewConfigError("store.provider", "unknown provider "+s.Provider)
	}

	return nil
}

func validateInterceptor(c *Config) error {
	i := c.Interceptor

	if i.HistorySize <= 0 {
		return customerrors.NewConfigError("interceptor.history_size", "must be positive")
	}

	if !i.Chat.Enabled {
		return nil
	}

	if _, err := regexp.Compile(i.Chat.Pattern); err != nil {
		return customerrors.NewConfigError("interceptor.chat.pattern", err.Error())
	}

	if i.Chat.WebhookURL != "" {
		u, err := url.Parse(i.Chat.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return customerrors.NewConfigError("interceptor.chat.webhook_url", "must be an http(s) URL")
		}
	}

	if i.Chat.QueueSize <= 0 {
		return customerrors.NewConfigError("interceptor.chat.queue_size", "must be positive")
	}

	return nil
}

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`)

// ValidServiceName reports whether name is usable as a backend key and URL segment.
func ValidServiceName(name string) bool {
	return serviceNamePattern.MatchString(name)
}
