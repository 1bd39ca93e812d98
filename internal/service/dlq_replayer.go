package service

import (
	"context"
	"time"

	"github.com/midastechnical/mdts-payments/internal/infrastructure/observability"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DeadLetterStream is the consumer-group view of the webhook dead-letter stream.
type DeadLetterStream interface {
	Read(ctx context.Context) ([]goredis.XMessage, error)
	ClaimStale(ctx context.Context, minIdle time.Duration) ([]goredis.XMessage, error)
	Ack(ctx context.Context, messageID string) error
	DeliveryCount(ctx context.Context, messageID string) (int64, error)
}

type ReplayConfig struct {
	// MaxDeliveries caps how often one dead letter is handed to Replay.
	// Zero disables the cap.
	MaxDeliveries int64
	StaleIdle     time.Duration
	ClaimInterval time.Duration
	ReadBackoff   time.Duration
}

// Replay outcomes, also used as the worker metric status label.
const (
	ReplaySucceeded = "success"
	ReplayFailed    = "failure"
	ReplayDropped   = "dropped"
	ReplayExhausted = "exhausted"
)

// DeadLetterReplayer feeds dead-lettered webhooks back through WebhookService.
// Failed replays stay pending and are reclaimed once idle for StaleIdle.
type DeadLetterReplayer struct {
	stream   DeadLetterStream
	webhooks *WebhookService
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cfg      ReplayConfig
}

func NewDeadLetterReplayer(
	stream DeadLetterStream,
	webhooks *WebhookService,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg ReplayConfig,
) *DeadLetterReplayer {
	if cfg.StaleIdle <= 0 {
		cfg.StaleIdle = 5 * time.Minute
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = time.Minute
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = time.Second
	}
	return &DeadLetterReplayer{
		stream:   stream,
		webhooks: webhooks,
		metrics:  metrics,
		logger:   logger.With().Str("component", "dlq_replay").Logger(),
		cfg:      cfg,
	}
}

// Run consumes the stream until ctx is cancelled.
func (r *DeadLetterReplayer) Run(ctx context.Context) error {
	var lastClaim time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastClaim) >= r.cfg.ClaimInterval {
			lastClaim = time.Now()
			stale, err := r.stream.ClaimStale(ctx, r.cfg.StaleIdle)
			if err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("Failed to claim stale dead letters")
			}
			for _, msg := range stale {
				r.HandleMessage(ctx, msg)
			}
		}

		msgs, err := r.stream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error().Err(err).Msg("Failed to read from stream")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.ReadBackoff):
			}
			continue
		}
		for _, msg := range msgs {
			r.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage replays one dead letter and returns its outcome. Every outcome
// except ReplayFailed acks the message.
func (r *DeadLetterReplayer) HandleMessage(ctx context.Context, msg goredis.XMessage) string {
	start := time.Now()
	status := ReplayFailed
	defer func() {
		r.metrics.WorkerMessagesProcessed.WithLabelValues(redis.WebhookDLQStream, status).Inc()
		r.metrics.WorkerProcessingDuration.WithLabelValues(redis.WebhookDLQStream).Observe(time.Since(start).Seconds())
	}()

	dl, err := redis.DecodeDeadLetter(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Undecodable dead letter, dropping")
		r.ack(ctx, msg.ID)
		status = ReplayDropped
		return status
	}

	log := r.logger.With().
		Str("message_id", msg.ID).
		Str("webhook_id", dl.WebhookID).
		Str("provider", dl.Provider).
		Logger()

	if r.cfg.MaxDeliveries > 0 {
		n, err := r.stream.DeliveryCount(ctx, msg.ID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read dead letter delivery count")
		} else if n > r.cfg.MaxDeliveries {
			log.Error().Int64("deliveries", n).Str("reason", dl.Reason).Msg("Dead letter exceeded replay limit, dropping")
			r.ack(ctx, msg.ID)
			status = ReplayExhausted
			return status
		}
	}

	if _, err := r.webhooks.Replay(ctx, dl); err != nil {
		if !IsReplayable(err) {
			log.Error().Err(err).Msg("Dead letter cannot be replayed, dropping")
			r.ack(ctx, msg.ID)
			status = ReplayDropped
			return status
		}
		log.Warn().Err(err).Msg("Dead letter replay failed")
		return status
	}

	log.Info().Msg("Dead letter replayed")
	r.ack(ctx, msg.ID)
	status = ReplaySucceeded
	return status
}

func (r *DeadLetterReplayer) ack(ctx context.Context, id string) {
	if err := r.stream.Ack(context.WithoutCancel(ctx), id); err != nil {
		r.logger.Error().Err(err).Str("message_id", id).Msg("Failed to ack dead letter")
	}
}
