package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup is the TTL'd processed-set consulted before the durable insert on
// event ingestion. It is a fast path only: the events table's unique
// constraint remains the authority under concurrent delivery.
type Dedup struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDedup creates a Dedup with the given record TTL.
func NewDedup(rdb *redis.Client, ttl time.Duration) *Dedup {
	return &Dedup{rdb: rdb, ttl: ttl}
}

func dedupRedisKey(key string) string { return "flowd:dedup:" + key }

// Mark records a dedup key, mapping it to the event id that claimed it.
// It returns false when the key was already present.
func (d *Dedup) Mark(ctx context.Context, key, eventID string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, dedupRedisKey(key), eventID, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark dedup %s: %w", key, err)
	}
	return ok, nil
}

// Seen returns the event id a key maps to, or "" when unseen (or expired;
// expiry falls back to the durable constraint).
func (d *Dedup) Seen(ctx context.Context, key string) (string, error) {
	id, err := d.rdb.Get(ctx, dedupRedisKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check dedup %s: %w", key, err)
	}
	return id, nil
}

// Clear removes a dedup record; used when run creation fails after the mark
// so redelivery can succeed.
func (d *Dedup) Clear(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, dedupRedisKey(key)).Err()
}
