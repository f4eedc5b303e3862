package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis database allocation. Components isolate state by DB number so a
// single Redis instance serves the whole fabric:
//   - DB 0: registry records
//   - DB 1: L2 semantic cache
//   - DB 2: security event log and incident index
const (
	RedisDBRegistry = 0
	RedisDBCache    = 1
	RedisDBSecurity = 2
)

// RedisClient wraps go-redis with key namespacing and DB isolation.
type RedisClient struct {
	client    *redis.Client
	namespace string
}

// RedisClientOptions configures the Redis client.
type RedisClientOptions struct {
	RedisURL  string
	DB        int
	Namespace string
	PoolSize  int
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	opt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opt.DB = opts.DB
	if opts.PoolSize > 0 {
		opt.PoolSize = opts.PoolSize
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client, namespace: opts.Namespace}, nil
}

// Key prefixes k with the client namespace.
func (r *RedisClient) Key(parts ...string) string {
	key := r.namespace
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Underlying exposes the raw go-redis client for operations the wrapper
// does not cover.
func (r *RedisClient) Underlying() *redis.Client { return r.client }

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Scan iterates keys matching pattern, invoking fn for each batch.
func (r *RedisClient) Scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close releases the connection pool.
func (r *RedisClient) Close() error { return r.client.Close() }
