package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "conductor:result:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is prepended to every key (default: "conductor:result:").
	Prefix string `yaml:"prefix"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

// Redis is a Cache backed by Redis. Expiry is delegated to Redis.
type Redis struct {
	client *redis.Client
	prefix string

	mu     sync.RWMutex
	closed bool
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisFromClient(client, cfg.Prefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

var errClosed = errors.New("cache is closed")

func (r *Redis) check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errClosed
	}
	return nil
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := r.check(); err != nil {
		return nil, false, err
	}
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	if err := r.check(); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements Cache.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.check(); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Purge deletes every key starting with keyPrefix, for example all cached
// results of one workflow. It returns the number of deleted keys.
func (r *Redis) Purge(ctx context.Context, keyPrefix string) (int, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	deleted := 0
	iter := r.client.Scan(ctx, 0, r.prefix+keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("redis del %s: %w", iter.Val(), err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis scan: %w", err)
	}
	return deleted, nil
}

// Ping implements Cache.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close implements Cache.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

var _ Cache = (*Redis)(nil)
