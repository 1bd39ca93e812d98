package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PaymentEventsStream carries handled provider events to order fulfilment.
	PaymentEventsStream = "payments:events"
	// WebhookDLQStream holds webhooks that failed after every retry.
	WebhookDLQStream = "webhooks:dlq"
)

// PaymentEvent is a provider event published for downstream consumers.
type PaymentEvent struct {
	Provider  string
	EventType string
	EventID   string
	Reference string
	Data      json.RawMessage
}

// DeadLetter is a webhook parked after exhausting its retries.
type DeadLetter struct {
	WebhookID string
	Provider  string
	Reason    string
	Payload   []byte
	Headers   map[string]string
	FailedAt  time.Time
}

type StreamProducer struct {
	client redis.UniversalClient
}

func NewStreamProducer(client redis.UniversalClient) *StreamProducer {
	return &StreamProducer{client: client}
}

func (p *StreamProducer) PublishPaymentEvent(ctx context.Context, ev PaymentEvent) error {
	data := string(ev.Data)
	if data == "" {
		data = "{}"
	}
	args := &redis.XAddArgs{
		Stream: PaymentEventsStream,
		Values: map[string]any{
			"provider":   ev.Provider,
			"event_type": ev.EventType,
			"event_id":   ev.EventID,
			"reference":  ev.Reference,
			"payload":    data,
			"timestamp":  time.Now().Unix(),
		},
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish payment event: %w", err)
	}
	return nil
}

func (p *StreamProducer) PublishWebhookDLQ(ctx context.Context, dl DeadLetter) error {
	headers, err := json.Marshal(dl.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ headers: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: WebhookDLQStream,
		Values: map[string]any{
			"webhook_id": dl.WebhookID,
			"provider":   dl.Provider,
			"reason":     dl.Reason,
			"payload":    string(dl.Payload),
			"headers":    string(headers),
			"timestamp":  dl.FailedAt.Unix(),
		},
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return nil
}

// DecodeDeadLetter rebuilds a DeadLetter from a DLQ stream message.
func DecodeDeadLetter(msg redis.XMessage) (DeadLetter, error) {
	str := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}

	dl := DeadLetter{
		WebhookID: str("webhook_id"),
		Provider:  str("provider"),
		Reason:    str("reason"),
		Payload:   []byte(str("payload")),
	}
	if dl.WebhookID == "" || dl.Provider == "" {
		return DeadLetter{}, fmt.Errorf("malformed DLQ message %s", msg.ID)
	}
	if h := str("headers"); h != "" {
		if err := json.Unmarshal([]byte(h), &dl.Headers); err != nil {
			return DeadLetter{}, fmt.Errorf("malformed DLQ headers in %s: %w", msg.ID, err)
		}
	}
	var ts int64
	fmt.Sscan(str("timestamp"), &ts)
	dl.FailedAt = time.Unix(ts, 0)
	return dl, nil
}

type StreamConsumer struct {
	client        redis.UniversalClient
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
}

func NewStreamConsumer(
	client redis.UniversalClient,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	// Create stream if it doesn't exist
	const busyGroupMsg = "BUSYGROUP"
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (c *StreamConsumer) Read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No new messages
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return messages, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	err := c.client.XAck(ctx, c.stream, c.group, messageID).Err()
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// ClaimStale takes over messages another consumer left pending longer than minIdle.
func (c *StreamConsumer) ClaimStale(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()

	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	return messages, nil
}

// DeliveryCount returns how many times messageID has been delivered to the
// group. Acked or unknown messages report 0.
func (c *StreamConsumer) DeliveryCount(ctx context.Context, messageID string) (int64, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending entry: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	return pending[0].RetryCount, nil
}
