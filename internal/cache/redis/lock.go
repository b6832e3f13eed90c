package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's unique
// token. This prevents one holder from accidentally releasing another
// holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager using Redis SETNX with a TTL and
// a Lua-based conditional unlock. The engine uses it to keep its monitoring
// loops singleton across replicas.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

func lockKey(name string) string {
	return "lock:" + name
}

// Acquire attempts to obtain a distributed lock for the given name with the
// specified TTL. On success it returns an unlock function that must be called
// to release the lock; the function is safe to call more than once.
//
// It returns domain.ErrLockHeld when the lock is already held elsewhere.
func (lm *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (func(ctx context.Context) error, error) {
	token := uuid.New().String()
	lk := lockKey(name)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	unlock := func(ctx context.Context) error {
		if released {
			return nil
		}
		released = true
		if err := lm.unlockSc.Run(ctx, lm.rdb, []string{lk}, token).Err(); err != nil {
			return fmt.Errorf("redis: release lock %s: %w", name, err)
		}
		return nil
	}
	return unlock, nil
}

// extendLua refreshes the TTL only while the caller still holds the lock.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Hold blocks until the lock is acquired, then keeps it alive by refreshing
// the TTL until ctx is cancelled, at which point the lock is released. It
// returns nil once the lock is held, or ctx.Err() if cancelled while waiting.
// The engine uses it for leader election across replicas.
func (lm *LockManager) Hold(ctx context.Context, name string, ttl time.Duration) error {
	token := uuid.New().String()
	lk := lockKey(name)
	extendSc := redis.NewScript(extendLua)

	retry := time.NewTicker(ttl / 2)
	defer retry.Stop()
	for {
		ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			return fmt.Errorf("redis: acquire lock %s: %w", name, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retry.C:
		}
	}

	go func() {
		refresh := time.NewTicker(ttl / 3)
		defer refresh.Stop()
		for {
			select {
			case <-ctx.Done():
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = lm.unlockSc.Run(releaseCtx, lm.rdb, []string{lk}, token).Err()
				cancel()
				return
			case <-refresh.C:
				_ = extendSc.Run(ctx, lm.rdb, []string{lk}, token, ttl.Milliseconds()).Err()
			}
		}
	}()
	return nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
