package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RateCache keeps the last known crypto exchange rates.
type RateCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRateCache(client redis.UniversalClient, ttl time.Duration) *RateCache {
	return &RateCache{client: client, ttl: ttl}
}

func rateKey(coin, fiat string) string {
	return fmt.Sprintf("crypto:rate:%s:%s", strings.ToLower(coin), strings.ToLower(fiat))
}

// Get returns the cached rate. ok is false when nothing is cached.
func (c *RateCache) Get(ctx context.Context, coin, fiat string) (decimal.Decimal, bool, error) {
	val, err := c.client.Get(ctx, rateKey(coin, fiat)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read cached rate: %w", err)
	}
	rate, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid cached rate %q: %w", val, err)
	}
	return rate, true, nil
}

// Set stores a rate.
func (c *RateCache) Set(ctx context.Context, coin, fiat string, rate decimal.Decimal) error {
	if err := c.client.Set(ctx, rateKey(coin, fiat), rate.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache rate: %w", err)
	}
	return nil
}
