package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator remembers webhook events that were already handled.
type Deduplicator struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewDeduplicator(client redis.UniversalClient, ttl time.Duration) *Deduplicator {
	return &Deduplicator{client: client, ttl: ttl}
}

func dedupKey(key string) string {
	return "webhook:processed:" + key
}

// Seen reports whether key was marked processed.
func (d *Deduplicator) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records key. It returns false if it was already recorded.
func (d *Deduplicator) MarkProcessed(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupKey(key), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set dedup key: %w", err)
	}
	return ok, nil
}
