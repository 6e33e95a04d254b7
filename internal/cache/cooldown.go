package cache

import (
	"context"
	"time"
)

// Cooldown marks keys as "recently handled" for a while. It is backed by a
// Cache so cooldowns can be shared between processes when redis is used.
type Cooldown struct {
	c      Cache
	prefix string
}

func NewCooldown(c Cache, prefix string) *Cooldown {
	return &Cooldown{c: c, prefix: "cooldown:" + prefix + ":"}
}

// Set starts or restarts a cooldown. ttl <= 0 clears it.
func (cd *Cooldown) Set(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return cd.Delete(ctx, key)
	}
	return cd.c.Set(ctx, cd.prefix+key, []byte{1}, ttl)
}

func (cd *Cooldown) Has(ctx context.Context, key string) bool {
	ok, err := cd.c.Has(ctx, cd.prefix+key)
	return err == nil && ok
}

func (cd *Cooldown) Delete(ctx context.Context, key string) error {
	return cd.c.Delete(ctx, cd.prefix+key)
}

// Acquire starts the cooldown and reports true only if none was active. The
// claim is atomic in the backing cache, so exactly one caller wins.
func (cd *Cooldown) Acquire(ctx context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	ok, err := cd.c.Add(ctx, cd.prefix+key, []byte{1}, ttl)
	return err == nil && ok
}
