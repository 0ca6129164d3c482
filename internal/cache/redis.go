package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the cache with a shared Redis instance so multiple replicas
// see the same tool lists and schemas. Errors degrade to misses; the cache
// is an accelerator, never a source of truth.
type Redis struct {
	client     *redis.Client
	defaultTTL time.Duration

	hits      int64
	misses    int64
	evictions int64
}

// RedisOptions configures the shared backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// DefaultTTL applies when Set is called without a positive ttl.
	// Defaults to 5 minutes.
	DefaultTTL time.Duration
}

// NewRedis dials addr and verifies connectivity before returning.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Redis{client: client, defaultTTL: opts.DefaultTTL}, nil
}

// NewRedisWithClient wraps an existing client, mainly for tests.
func NewRedisWithClient(client *redis.Client, defaultTTL time.Duration) *Redis {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Redis{client: client, defaultTTL: defaultTTL}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		// redis.Nil is an ordinary miss; any other error degrades to one.
		atomic.AddInt64(&r.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&r.hits, 1)
	return data, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	_ = r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) {
	if n, err := r.client.Del(ctx, key).Result(); err == nil && n > 0 {
		atomic.AddInt64(&r.evictions, n)
	}
}

func (r *Redis) Exists(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, key).Result()
	return err == nil && n > 0
}

// Clear flushes the configured database. Dedicate a DB index to this service
// before enabling the Redis backend.
func (r *Redis) Clear(ctx context.Context) {
	_ = r.client.FlushDB(ctx).Err()
}

// Stats reports counters local to this process; Redis-wide numbers live in
// the server's own INFO output.
func (r *Redis) Stats() Stats {
	hits := atomic.LoadInt64(&r.hits)
	misses := atomic.LoadInt64(&r.misses)
	s := Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadInt64(&r.evictions),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
