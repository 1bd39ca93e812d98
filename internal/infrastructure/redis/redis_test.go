package redis

import (
	"context"
	"testing"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx := context.Background()
	ctr, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	addr, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestDecodeDeadLetter(t *testing.T) {
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]any{
			"webhook_id": "wh-1",
			"provider":   "stripe",
			"reason":     "handler failed",
			"payload":    `{"id":"evt_1"}`,
			"headers":    `{"stripe-signature":"v1=abc"}`,
			"timestamp":  "1700000000",
		},
	}

	dl, err := DecodeDeadLetter(msg)
	require.NoError(t, err)
	assert.Equal(t, "wh-1", dl.WebhookID)
	assert.Equal(t, "stripe", dl.Provider)
	assert.Equal(t, `{"id":"evt_1"}`, string(dl.Payload))
	assert.Equal(t, "v1=abc", dl.Headers["stripe-signature"])
	assert.Equal(t, int64(1700000000), dl.FailedAt.Unix())

	_, err = DecodeDeadLetter(redis.XMessage{ID: "2-0", Values: map[string]any{"payload": "{}"}})
	assert.Error(t, err)
}

func TestLocker_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	locker := NewLocker(client, 5*time.Second)

	ran := false
	err := locker.WithLock(ctx, "crypto:1", func(ctx context.Context) error {
		ran = true
		inner := locker.WithLock(ctx, "crypto:1", func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, domainErrors.ErrLockAcquisitionFailed)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	exists, err := client.Exists(ctx, "lock:crypto:1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestDistributedLock_ExtendAndRelease(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	lock := NewDistributedLock(client, "order-1", time.Second)
	assert.ErrorIs(t, lock.Extend(ctx, time.Second), domainErrors.ErrLockNotHeld)

	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lock.Extend(ctx, 10*time.Second))

	ttl, err := client.PTTL(ctx, "lock:order-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 5*time.Second)

	require.NoError(t, lock.Release(ctx))
	assert.False(t, lock.IsAcquired())
}

func TestRateCache_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	cache := NewRateCache(client, time.Minute)

	_, ok, err := cache.Get(ctx, "bitcoin", "usd")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "bitcoin", "USD", decimal.RequireFromString("64250.12")))
	rate, ok, err := cache.Get(ctx, "BITCOIN", "usd")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "64250.12", rate.String())
}

func TestDeduplicator_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	dedup := NewDeduplicator(client, time.Minute)

	seen, err := dedup.Seen(ctx, "stripe:evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	first, err := dedup.MarkProcessed(ctx, "stripe:evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := dedup.MarkProcessed(ctx, "stripe:evt_1")
	require.NoError(t, err)
	assert.False(t, second)

	seen, err = dedup.Seen(ctx, "stripe:evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestStreams_DLQRoundTrip(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	producer := NewStreamProducer(client)
	consumer := NewStreamConsumer(client, WebhookDLQStream, "replayers", "worker-1", 10, 100*time.Millisecond)
	require.NoError(t, consumer.CreateGroup(ctx))
	require.NoError(t, consumer.CreateGroup(ctx))

	require.NoError(t, producer.PublishWebhookDLQ(ctx, DeadLetter{
		WebhookID: "wh-9",
		Provider:  "paypal",
		Reason:    "handler failed",
		Payload:   []byte(`{"id":"WH-9"}`),
		Headers:   map[string]string{"paypal-transmission-id": "t-1"},
		FailedAt:  time.Unix(1700000000, 0),
	}))

	msgs, err := consumer.Read(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	dl, err := DecodeDeadLetter(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "wh-9", dl.WebhookID)
	assert.Equal(t, "t-1", dl.Headers["paypal-transmission-id"])

	n, err := consumer.DeliveryCount(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// left pending, the message is redelivered by a claim
	claimed, err := consumer.ClaimStale(ctx, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	n, err = consumer.DeliveryCount(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, consumer.Ack(ctx, msgs[0].ID))
	n, err = consumer.DeliveryCount(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, producer.PublishPaymentEvent(ctx, PaymentEvent{Provider: "stripe", EventType: "checkout.session.completed", EventID: "evt_1"}))
	events, err := client.XLen(ctx, PaymentEventsStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), events)
}
