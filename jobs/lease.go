package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/apimachinery/pkg/util/clock"
)

// RedisLease keeps leases as Redis keys holding the holder's ID, expiring
// with the lease.
type RedisLease struct {
	rdb    *redis.Client
	holder string
}

func NewRedisLease(rdb *redis.Client, holder string) *RedisLease {
	return &RedisLease{
		rdb:    rdb,
		holder: holder,
	}
}

func redisLeaseKey(name string) string {
	return "mediremind:lease:" + name
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, redisLeaseKey(name), l.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("while setting lease key: %w", err)
	}
	return ok, nil
}

// Deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLease) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{redisLeaseKey(name)}, l.holder).Err(); err != nil {
		return fmt.Errorf("while releasing lease key: %w", err)
	}
	return nil
}

type leaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// StoreLease keeps leases as documents in the application store, for
// deployments without Redis.
type StoreLease struct {
	store  leaseStore
	clock  clock.Clock
	holder string
}

func NewStoreLease(s leaseStore, c clock.Clock, holder string) *StoreLease {
	return &StoreLease{
		store:  s,
		clock:  c,
		holder: holder,
	}
}

func (l *StoreLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.store.AcquireLease(ctx, name, l.holder, l.clock.Now(), ttl)
}

func (l *StoreLease) Release(ctx context.Context, name string) error {
	return l.store.ReleaseLease(ctx, name, l.holder)
}
