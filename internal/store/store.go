// Package store provides the key-value store the service registry is persisted in.
package store

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("key not found")

// Store is a minimal key-value store offering get, set and watch.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Watch delivers the latest value each time key changes, until ctx is done.
	// A nil value means the key was deleted. Slow readers only see the newest value.
	Watch(ctx context.Context, key string) (<-chan []byte, error)
	Close() error
}

// New creates a store based on configuration.
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case config.StoreRedis:
		return NewRedisStore(ctx, cfg.Redis, logger)
	case config.StoreEtcd:
		return NewEtcdStore(ctx, cfg.Etcd, logger)
	case config.StoreMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, customerrors.New(customerrors.TypeValidation, "unsupported store provider: "+cfg.Provider).
			WithComponent("store").
			WithContext("provider", cfg.Provider)
	}
}

// offer replaces any pending value in a single-slot channel with v.
func offer(ch chan []byte, v []byte) {
	for {
		select {
		case ch <- v:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}
