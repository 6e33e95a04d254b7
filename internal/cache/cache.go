// Package cache is a small TTL key/value store with an in-memory and a redis
// driver. Values are opaque bytes; callers encode.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	logx "chatrelay/pkg/logx"
)

var ErrMiss = errors.New("cache: miss")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores val; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Add stores val only if key is absent and reports whether it did.
	Add(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	Close() error
}

type Config struct {
	Driver string `json:"driver" validate:"omitempty,oneof=memory redis"`
	// Prefix namespaces every key.
	Prefix string `json:"prefix"`
	// URL is only read from the environment (see config secrets).
	URL            string        `json:"-"`
	ConnectTimeout time.Duration `json:"-"`
}

// Open returns the configured driver. An empty driver means memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Cache, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.Prefix), nil
	case "redis":
		return OpenRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("cache: unknown driver %q", cfg.Driver)
	}
}

// Stats counts lookups for the status endpoint.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

type counters struct {
	hits, misses atomic.Uint64
}

func (c *counters) observe(err error) {
	if err == nil {
		c.hits.Add(1)
	} else if errors.Is(err, ErrMiss) {
		c.misses.Add(1)
	}
}

func (c *counters) stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
