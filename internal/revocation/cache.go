package revocation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "trust:revoked:"
	readyKey  = keyPrefix + "ready"
	scanBatch = 500
)

// Cache is the fast lookup in front of the durable store.
type Cache interface {
	// Lookup returns the active revocation time of the user, if any, or
	// ErrCacheCold when the cache has not been rebuilt.
	Lookup(ctx context.Context, userID string) (time.Time, bool, error)
	Publish(ctx context.Context, record Record) error
	// Replace makes the cache hold exactly the given revoked records and
	// marks it ready.
	Replace(ctx context.Context, records []Record) error
	// Invalidate drops the ready marker so lookups go to the durable store
	// until the next Replace.
	Invalidate(ctx context.Context) error
}

// RedisCache keeps one key per revoked user holding the revocation time in
// unix nanoseconds. The instance should run with an eviction policy that
// never drops these keys; losing the ready marker only costs a fallback to
// Postgres, losing a user key without it would not be noticed.
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func userKey(userID string) string {
	return keyPrefix + "user:" + userID
}

func (c *RedisCache) Lookup(ctx context.Context, userID string) (time.Time, bool, error) {
	values, err := c.client.MGet(ctx, readyKey, userKey(userID)).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis lookup: %w", err)
	}
	if len(values) != 2 || values[0] == nil {
		return time.Time{}, false, ErrCacheCold
	}
	if values[1] == nil {
		return time.Time{}, false, nil
	}

	raw, ok := values[1].(string)
	if !ok {
		return time.Time{}, false, fmt.Errorf("redis lookup: unexpected value type %T", values[1])
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis lookup: parse revoked_at: %w", err)
	}

	return time.Unix(0, nanos).UTC(), true, nil
}

func (c *RedisCache) Publish(ctx context.Context, record Record) error {
	key := userKey(record.UserID)
	if record.Revoked() {
		if err := c.client.Set(ctx, key, strconv.FormatInt(record.RevokedAt.UnixNano(), 10), 0).Err(); err != nil {
			return fmt.Errorf("redis publish revocation: %w", err)
		}
		return nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis clear revocation: %w", err)
	}
	return nil
}

func (c *RedisCache) Replace(ctx context.Context, records []Record) error {
	wanted := make(map[string]Record, len(records))
	for _, record := range records {
		if record.Revoked() {
			wanted[userKey(record.UserID)] = record
		}
	}

	var stale []string
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, keyPrefix+"user:*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan revocations: %w", err)
		}
		for _, key := range keys {
			if _, ok := wanted[key]; !ok {
				stale = append(stale, key)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, record := range wanted {
			pipe.Set(ctx, key, strconv.FormatInt(record.RevokedAt.UnixNano(), 10), 0)
		}
		if len(stale) > 0 {
			pipe.Del(ctx, stale...)
		}
		pipe.Set(ctx, readyKey, time.Now().UTC().Format(time.RFC3339), 0)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis replace revocations: %w", err)
	}

	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, readyKey).Err(); err != nil {
		return fmt.Errorf("redis drop ready marker: %w", err)
	}
	return nil
}
