package discovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
)

const sourceStatic = "static"

// StaticSource advertises a fixed list of backends once.
type StaticSource struct {
	services []config.StaticServiceConfig
	logger   *zap.Logger
}

// NewStaticSource creates a source for the configured list.
func NewStaticSource(cfg config.StaticDiscoveryConfig, logger *zap.Logger) *StaticSource {
	return &StaticSource{
		services: cfg.Services,
		logger:   logger.With(zap.String("source", sourceStatic)),
	}
}

// Name implements Source.
func (s *StaticSource) Name() string { return sourceStatic }

// Run implements Source.
func (s *StaticSource) Run(ctx context.Context, emit func(ServiceInfo)) error {
	s.logger.Info("advertising static backends", zap.Int("count", len(s.services)))

	for _, svc := range s.services {
		emit(ServiceInfo{Name: svc.Name, Address: svc.Address, Port: svc.Port, Source: sourceStatic})
	}

	<-ctx.Done()

	return nil
}
