package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is an optional distributed Store backed by go-redis/v9, for
// deployments that run more than one borsad instance fronting the same
// provider set and want cache hits to be shared rather than per-process.
// This is a caching tier, not the persistence layer excluded by Non-goals:
// entries are disposable and reconstructable from a live provider call.
type RedisStore struct {
	client *redis.Client
	prefix string

	hits      int64
	misses    int64
	evictions int64
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(k string) string { return r.prefix + k }

// Get uses a short-lived background context since Store's interface is
// synchronous; callers needing cancellation should bypass RedisStore and
// call the client directly.
func (r *RedisStore) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		atomic.AddInt64(&r.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&r.hits, 1)
	return v, true
}

func (r *RedisStore) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.client.Set(ctx, r.key(key), value, ttl)
}

// Stats reports only the local-process counters; eviction accounting is
// left to Redis's own maxmemory policy and isn't observable here.
func (r *RedisStore) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&r.hits),
		Misses:    atomic.LoadInt64(&r.misses),
		Evictions: atomic.LoadInt64(&r.evictions),
	}
}
