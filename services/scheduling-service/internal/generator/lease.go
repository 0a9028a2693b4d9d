package generator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease grants one replica the right to generate a key for ttl.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type localLease struct{}

// NewLocalLease always grants. Use it for single-replica deployments.
func NewLocalLease() Lease { return localLease{} }

func (localLease) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }

// RedisLease is a SET NX PX lease. It is never released; it lapses after ttl so the next tick can take it.
type RedisLease struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisLease(rdb redis.Cmdable, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "slotengine:gen:"
	}
	return &RedisLease{rdb: rdb, prefix: prefix}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.prefix+key, "1", ttl).Result()
}
