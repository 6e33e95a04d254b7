package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	logx "chatrelay/pkg/logx"
)

var ErrRedisNotReady = errors.New("cache: redis not ready")

// Redis stores entries in a redis (or valkey) server.
type Redis struct {
	db     redis.UniversalClient
	prefix string
	counters
}

// OpenRedis parses cfg.URL and pings the server a few times before giving up.
func OpenRedis(ctx context.Context, cfg Config, log logx.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	const attempts = 3
	for i := range attempts {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			log.Info("redis cache connected", logx.String("addr", opt.Addr), logx.Int("db", opt.DB))
			return NewRedis(client, cfg.Prefix), nil
		} else if i == attempts-1 {
			_ = client.Close()
			return nil, errors.Join(ErrRedisNotReady, err)
		}
		_ = client.Close()
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(time.Second):
		}
	}
	return nil, ErrRedisNotReady
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{db: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.db.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		err = ErrMiss
	}
	r.observe(err)
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.db.Set(ctx, r.prefix+key, val, ttl).Err()
}

// Add is SET NX: the claim holds across every process sharing the server.
func (r *Redis) Add(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return r.db.SetNX(ctx, r.prefix+key, val, ttl).Result()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.db.Del(ctx, r.prefix+key).Err()
}

func (r *Redis) Has(ctx context.Context, key string) (bool, error) {
	n, err := r.db.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Stats() Stats { return r.stats() }

func (r *Redis) Close() error { return r.db.Close() }
