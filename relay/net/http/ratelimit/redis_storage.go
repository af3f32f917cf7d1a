package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	libRedis "github.com/LerianStudio/workflow-relay/relay/redis"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix namespaces limiter counters in a shared Redis.
	DefaultKeyPrefix = "workflow-relay:ratelimit:"

	defaultOpTimeout = time.Second
	scanBatchSize    = 100
)

// RedisStorage implements fiber.Storage on the relay's Redis client so limiter
// counters are shared by every replica. fiber.Storage has no context
// parameter, so each call is bounded by its own timeout.
type RedisStorage struct {
	conn      *libRedis.Client
	prefix    string
	opTimeout time.Duration
}

var _ fiber.Storage = (*RedisStorage)(nil)

// StorageOption configures a RedisStorage.
type StorageOption func(*RedisStorage)

// WithKeyPrefix replaces DefaultKeyPrefix. Empty values are ignored.
func WithKeyPrefix(prefix string) StorageOption {
	return func(storage *RedisStorage) {
		if prefix != "" {
			storage.prefix = prefix
		}
	}
}

// WithOpTimeout bounds each Redis round trip. Non-positive values are ignored.
func WithOpTimeout(timeout time.Duration) StorageOption {
	return func(storage *RedisStorage) {
		if timeout > 0 {
			storage.opTimeout = timeout
		}
	}
}

// NewRedisStorage returns nil when conn is nil.
func NewRedisStorage(conn *libRedis.Client, opts ...StorageOption) *RedisStorage {
	if conn == nil {
		return nil
	}

	storage := &RedisStorage{conn: conn, prefix: DefaultKeyPrefix, opTimeout: defaultOpTimeout}

	for _, opt := range opts {
		if opt != nil {
			opt(storage)
		}
	}

	return storage
}

func (storage *RedisStorage) ready() bool {
	return storage != nil && storage.conn != nil
}

// do runs fn with a live client and a per-call deadline.
func (storage *RedisStorage) do(fn func(ctx context.Context, client redis.UniversalClient) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), storage.opTimeout)
	defer cancel()

	client, err := storage.conn.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("get redis client: %w", err)
	}

	return fn(ctx, client)
}

// Get returns nil, nil when the key does not exist.
func (storage *RedisStorage) Get(key string) ([]byte, error) {
	if !storage.ready() {
		return nil, nil
	}

	var value []byte

	err := storage.do(func(ctx context.Context, client redis.UniversalClient) error {
		raw, err := client.Get(ctx, storage.prefix+key).Bytes()

		switch {
		case errors.Is(err, redis.Nil):
			return nil
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		}

		value = raw

		return nil
	})

	return value, err
}

// Set stores val under key. A zero exp never expires; empty keys or values
// are ignored.
func (storage *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	if !storage.ready() || key == "" || len(val) == 0 {
		return nil
	}

	return storage.do(func(ctx context.Context, client redis.UniversalClient) error {
		if err := client.Set(ctx, storage.prefix+key, val, exp).Err(); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}

		return nil
	})
}

// Delete removes key. Missing keys are not an error.
func (storage *RedisStorage) Delete(key string) error {
	if !storage.ready() {
		return nil
	}

	return storage.do(func(ctx context.Context, client redis.UniversalClient) error {
		if err := client.Del(ctx, storage.prefix+key).Err(); err != nil {
			return fmt.Errorf("redis delete: %w", err)
		}

		return nil
	})
}

// Reset deletes every key under the storage prefix.
func (storage *RedisStorage) Reset() error {
	if !storage.ready() {
		return nil
	}

	return storage.do(func(ctx context.Context, client redis.UniversalClient) error {
		iter := client.Scan(ctx, 0, storage.prefix+"*", scanBatchSize).Iterator()

		batch := make([]string, 0, scanBatchSize)

		for iter.Next(ctx) {
			batch = append(batch, iter.Val())

			if len(batch) == scanBatchSize {
				if err := client.Del(ctx, batch...).Err(); err != nil {
					return fmt.Errorf("redis batch delete: %w", err)
				}

				batch = batch[:0]
			}
		}

		if err := iter.Err(); err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}

		if len(batch) > 0 {
			if err := client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis batch delete: %w", err)
			}
		}

		return nil
	})
}

// Close is a no-op; the Redis client belongs to the application.
func (*RedisStorage) Close() error {
	return nil
}
