package store

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
)

const defaultEtcdDialTimeout = 5 * time.Second

// EtcdClient is the part of *clientv3.Client the store uses.
type EtcdClient interface {
	clientv3.KV
	clientv3.Watcher
}

// EtcdStore keeps values in etcd and watches them with the native watch API.
type EtcdStore struct {
	client EtcdClient
	logger *zap.Logger
}

// NewEtcdStore connects to the configured etcd endpoints.
func NewEtcdStore(ctx context.Context, cfg config.EtcdConfig, logger *zap.Logger) (*EtcdStore, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultEtcdDialTimeout
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Context:     ctx,
	})
	if err != nil {
		return nil, customerrors.Wrap(err, "failed to connect to etcd").
			WithComponent("store").
			WithOperation("etcd_connect").
			WithContext("endpoints", cfg.Endpoints)
	}

	return NewEtcdStoreFromClient(client, logger), nil
}

// NewEtcdStoreFromClient wraps an existing client.
func NewEtcdStoreFromClient(client EtcdClient, logger *zap.Logger) *EtcdStore {
	return &EtcdStore{client: client, logger: logger.With(zap.String("component", "etcd_store"))}
}

// Get returns the value stored under key.
func (e *EtcdStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return nil, customerrors.NewStoreError("get", key, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	return resp.Kvs[0].Value, nil
}

// Set writes value under key.
func (e *EtcdStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := e.client.Put(ctx, key, string(value)); err != nil {
		return customerrors.NewStoreError("set", key, err)
	}

	return nil
}

// Watch forwards put and delete events for key.
func (e *EtcdStore) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	wch := e.client.Watch(ctx, key)
	latest := make(chan []byte, 1)
	out := make(chan []byte)

	go func() {
		for resp := range wch {
			if err := resp.Err(); err != nil {
				e.logger.Warn("etcd watch error", zap.String("key", key), zap.Error(err))

				continue
			}

			for _, ev := range resp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					offer(latest, ev.Kv.Value)
				case clientv3.EventTypeDelete:
					offer(latest, nil)
				}
			}
		}
	}()

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case v := <-latest:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the etcd client.
func (e *EtcdStore) Close() error {
	return e.client.Close()
}
