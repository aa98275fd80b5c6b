// Package redis backs the two shared-datastore concerns of the engine: the
// per-strategy job lock and the published result triple. Both ride the same
// client; callers that run without Redis get nil handles and skip publishing.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

type Config struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"-"` // REDIS_PASSWORD; never serialized
	DB       int    `yaml:"db"`

	// LockTTL bounds how long a crashed run can block the next one.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// ResultTTL applies identically to all three published keys.
	ResultTTL time.Duration `yaml:"result_ttl"`
}

func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		LockTTL:   120 * time.Second,
		ResultTTL: 600 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock_ttl must be positive, got %s", c.LockTTL)
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("result_ttl must be positive, got %s", c.ResultTTL)
	}
	return nil
}

// NewClient connects and pings. The pool stays small: the engine issues a
// handful of commands per run, not a query stream.
func NewClient(cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}
