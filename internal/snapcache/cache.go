// Package snapcache persists the last successfully fetched principal
// snapshot in Redis so a restarted process can still serve "stale, showing
// cache" before its first sync completes.
package snapcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mxi-app/mxi-core/internal/domain"
)

// KV is the slice of the Redis client the cache needs. Both the plain and
// metrics-instrumented wrappers satisfy it.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cache stores principal snapshots keyed by principal id.
type Cache struct {
	kv  KV
	ttl time.Duration
}

// New constructs a snapshot cache with the given entry TTL.
func New(kv KV, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Cache{kv: kv, ttl: ttl}
}

// Load fetches the cached snapshot if it exists. A miss returns (nil, nil).
func (c *Cache) Load(ctx context.Context, principalID string) (*domain.Principal, error) {
	if c == nil || c.kv == nil {
		return nil, nil
	}

	data, err := c.kv.Get(ctx, cacheKey(principalID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cached snapshot: %w", err)
	}

	var snapshot domain.Principal
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, fmt.Errorf("decode cached snapshot: %w", err)
	}

	return &snapshot, nil
}

// Store writes the snapshot for the configured TTL.
func (c *Cache) Store(ctx context.Context, snapshot *domain.Principal) error {
	if c == nil || c.kv == nil || snapshot == nil {
		return nil
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot for cache: %w", err)
	}

	if err := c.kv.Set(ctx, cacheKey(snapshot.ID), payload, c.ttl); err != nil {
		return fmt.Errorf("set cached snapshot: %w", err)
	}

	return nil
}

// Invalidate removes the cached snapshot, e.g. on logout.
func (c *Cache) Invalidate(ctx context.Context, principalID string) error {
	if c == nil || c.kv == nil {
		return nil
	}

	if err := c.kv.Delete(ctx, cacheKey(principalID)); err != nil {
		return fmt.Errorf("delete cached snapshot: %w", err)
	}

	return nil
}

func cacheKey(principalID string) string {
	return fmt.Sprintf("snapshot:%s", principalID)
}
