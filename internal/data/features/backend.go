package features

import (
	"context"
	"os"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Backend is the raw byte store under the feature cache. The process-local
// default keeps everything in one map; setting REDIS_ADDR shares the cache
// across processes.
type Backend interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
	Close() error
}

type memory struct {
	mu sync.Mutex
	m  map[string]entry
}

type entry struct {
	b   []byte
	exp time.Time
}

func NewMemoryBackend() Backend { return &memory{m: make(map[string]entry)} }

func (c *memory) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		return nil, false
	}
	return e.b, true
}

func (c *memory) Set(key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
}

func (c *memory) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]entry)
	return nil
}

// Redis adapter used when REDIS_ADDR is set.
type redisBackend struct{ r *redis.Client }

func NewAutoBackend() Backend {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return &redisBackend{r: redis.NewClient(&redis.Options{Addr: addr})}
	}
	return NewMemoryBackend()
}

func (r *redisBackend) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisBackend) Set(key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = r.r.Set(ctx, key, val, ttl).Err()
}

func (r *redisBackend) Close() error { return r.r.Close() }
