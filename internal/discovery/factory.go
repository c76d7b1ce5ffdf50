package discovery

import (
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
)

// CreateSources builds the configured advertisement sources.
func CreateSources(cfg config.DiscoveryConfig, logger *zap.Logger) ([]Source, error) {
	sources := make([]Source, 0, len(cfg.Providers))

	for _, provider := range cfg.Providers {
		logger.Info("initializing discovery source", zap.String("provider", provider))

		switch provider {
		case config.ProviderMDNS:
			sources = append(sources, NewMDNSSource(cfg.MDNS, logger))
		case config.ProviderConsul:
			src, err := NewConsulSource(cfg.Consul, logger)
			if err != nil {
				return nil, err
			}

			sources = append(sources, src)
		case config.ProviderKubernetes:
			src, err := NewKubernetesSource(cfg.Kubernetes, logger)
			if err != nil {
				return nil, err
			}

			sources = append(sources, src)
		case config.ProviderStatic:
			sources = append(sources, NewStaticSource(cfg.Static, logger))
		default:
			return nil, customerrors.NewConfigError("discovery.providers", "unsupported provider "+provider)
		}
	}

	return sources, nil
}
