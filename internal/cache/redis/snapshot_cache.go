package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache using Redis strings holding
// JSON-serialized read models. The portfolio service uses it to keep account
// and position snapshots warm between gateway polls.
//
// Key schema:
//
//	snapshot:{key} - JSON value with a per-entry TTL
type SnapshotCache struct {
	rdb *redis.Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying()}
}

func snapshotKey(key string) string { return "snapshot:" + key }

// Get loads a cached value into dest. It returns (false, nil) on a miss.
func (sc *SnapshotCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := sc.rdb.Get(ctx, snapshotKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis: get snapshot %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("redis: unmarshal snapshot %s: %w", key, err)
	}
	return true, nil
}

// Set stores a value under key with the given TTL.
func (sc *SnapshotCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", key, err)
	}
	if err := sc.rdb.Set(ctx, snapshotKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", key, err)
	}
	return nil
}

// Delete removes a cached value.
func (sc *SnapshotCache) Delete(ctx context.Context, key string) error {
	if err := sc.rdb.Del(ctx, snapshotKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete snapshot %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
