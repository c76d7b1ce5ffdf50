package discovery

import (
	"context"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
	"github.com/KennLDN/mc-panel-docker/internal/logging"
)

const (
	sourceConsul   = "consul"
	consulNameMeta = "name"
)

// ConsulSource follows backend instances registered in the Consul catalog
// using blocking health queries.
type ConsulSource struct {
	config config.ConsulDiscoveryConfig
	client *consulapi.Client
	logger *zap.Logger
}

// NewConsulSource creates a Consul client for the configured agent.
func NewConsulSource(cfg config.ConsulDiscoveryConfig, logger *zap.Logger) (*ConsulSource, error) {
	if cfg.Service == "" {
		cfg.Service = DefaultConsulService
	}

	if cfg.WaitTime <= 0 {
		cfg.WaitTime = DefaultConsulWaitTime
	}

	clientConfig := consulapi.DefaultConfig()

	if cfg.Address != "" {
		clientConfig.Address = cfg.Address
	}

	if cfg.Datacenter != "" {
		clientConfig.Datacenter = cfg.Datacenter
	}

	if cfg.Token != "" {
		clientConfig.Token = cfg.Token
	}

	client, err := consulapi.NewClient(clientConfig)
	if err != nil {
		return nil, customerrors.Wrap(err, "failed to create Consul client").
			WithComponent("discovery_consul")
	}

	return &ConsulSource{
		config: cfg,
		client: client,
		logger: logger.With(zap.String("source", sourceConsul)),
	}, nil
}

// Name implements Source.
func (s *ConsulSource) Name() string { return sourceConsul }

// Run implements Source. Every index change re-emits all instances.
func (s *ConsulSource) Run(ctx context.Context, emit func(ServiceInfo)) error {
	s.logger.Info("starting Consul discovery",
		zap.String("service", s.config.Service),
		zap.String("tag", s.config.Tag))

	var lastIndex uint64

	for {
		opts := (&consulapi.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  s.config.WaitTime,
		}).WithContext(ctx)

		entries, meta, err := s.client.Health().Service(s.config.Service, s.config.Tag, s.config.OnlyPassing, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			s.logger.Warn("Consul health query failed",
				logging.WithError(customerrors.NewSourceError(sourceConsul, err))...)

			if !sleepCtx(ctx, consulErrorDelay) {
				return nil
			}

			continue
		}

		// A reset index restarts blocking from scratch.
		if meta.LastIndex < lastIndex {
			lastIndex = 0
		} else {
			lastIndex = meta.LastIndex
		}

		for _, entry := range entries {
			if info, ok := consulEntryToInfo(entry); ok {
				emit(info)
			}
		}
	}
}

// consulEntryToInfo maps a catalog entry. The "name" meta key overrides the
// service ID, and the node address stands in for an empty service address.
func consulEntryToInfo(entry *consulapi.ServiceEntry) (ServiceInfo, bool) {
	if entry == nil || entry.Service == nil {
		return ServiceInfo{}, false
	}

	svc := entry.Service

	info := ServiceInfo{
		Name:    svc.ID,
		Address: svc.Address,
		Port:    svc.Port,
		Source:  sourceConsul,
	}

	if name, ok := svc.Meta[consulNameMeta]; ok && name != "" {
		info.Name = name
	}

	if info.Address == "" && entry.Node != nil {
		info.Address = entry.Node.Address
	}

	if info.Name == "" || info.Address == "" || info.Port == 0 {
		return ServiceInfo{}, false
	}

	return info, true
}
