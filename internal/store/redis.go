package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/KennLDN/mc-panel-docker/internal/config"
	customerrors "github.com/KennLDN/mc-panel-docker/internal/errors"
)

const (
	defaultRedisPingTimeout = 5 * time.Second
	changeChannelSuffix     = ":changed"
)

// RedisStore keeps values as plain Redis strings. Writes publish a change
// notice on "<key>:changed" so other relay processes can watch.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, customerrors.New(customerrors.TypeValidation, "redis URL is required").
			WithComponent("store")
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, customerrors.Wrap(err, "failed to parse Redis URL").
			WithComponent("store").
			WithContext("redis_url", cfg.URL)
	}

	if cfg.Password != "" {
		opt.Password = cfg.Password
	}

	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}

	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}

	if cfg.MaxRetries > 0 {
		opt.MaxRetries = cfg.MaxRetries
	}

	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, defaultRedisPingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, customerrors.Wrap(err, "failed to connect to Redis").
			WithComponent("store").
			WithOperation("redis_connect")
	}

	return NewRedisStoreFromClient(client, logger), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger.With(zap.String("component", "redis_store"))}
}

// Get returns the value stored under key.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, customerrors.NewStoreError("get", key, err)
	}

	return v, nil
}

// Set writes value and publishes a change notice.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, value, 0)
	pipe.Publish(ctx, key+changeChannelSuffix, "set")

	if _, err := pipe.Exec(ctx); err != nil {
		return customerrors.NewStoreError("set", key, err)
	}

	return nil
}

// Watch subscribes to change notices for key and re-reads the value on each one.
func (r *RedisStore) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, key+changeChannelSuffix)

	// Receive the subscription confirmation so missed notices are impossible after return.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()

		return nil, customerrors.NewStoreError("watch", key, err)
	}

	latest := make(chan []byte, 1)
	out := make(chan []byte)

	go func() {
		defer func() { _ = sub.Close() }()

		notices := sub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notices:
				if !ok {
					return
				}

				v, err := r.Get(ctx, key)

				switch {
				case errors.Is(err, ErrNotFound):
					offer(latest, nil)
				case err != nil:
					r.logger.Warn("failed to read watched key", zap.String("key", key), zap.Error(err))
				default:
					offer(latest, v)
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

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
