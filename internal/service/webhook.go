package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/domain/webhook"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/observability"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/providers"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/redis"
	"github.com/midastechnical/mdts-payments/pkg/retry"
	"github.com/rs/zerolog"
)

// ErrUnhandledEvent is returned by an EventHandler for event types it does not handle.
var ErrUnhandledEvent = errors.New("unhandled webhook event type")

// EventHandler applies a verified provider event.
type EventHandler interface {
	Handle(ctx context.Context, ev *webhook.Event) (map[string]any, error)
}

// PayPalVerifier checks a webhook signature with PayPal.
type PayPalVerifier interface {
	VerifyWebhookSignature(ctx context.Context, sig providers.WebhookSignature, event []byte) (bool, error)
}

// Deduplicator remembers processed event keys.
type Deduplicator interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) (bool, error)
}

// DeadLetterPublisher parks webhooks that failed every retry.
type DeadLetterPublisher interface {
	PublishWebhookDLQ(ctx context.Context, dl redis.DeadLetter) error
}

type WebhookConfig struct {
	StripeSecret    string
	StripeTolerance time.Duration
	MaxRetries      int
	// BaseDelay is doubled on every retry.
	BaseDelay time.Duration
	Timer     retry.Timer
}

// WebhookOutcome describes how a webhook was handled.
type WebhookOutcome struct {
	WebhookID string                   `json:"webhookId"`
	EventID   string                   `json:"eventId,omitempty"`
	EventType string                   `json:"eventType,omitempty"`
	Status    webhook.ProcessingStatus `json:"status"`
	Result    map[string]any           `json:"result,omitempty"`
	Attempts  int                      `json:"attempts"`
}

// WebhookService verifies inbound provider webhooks and dispatches them to the
// provider's event handler, retrying failed handling with exponential backoff.
type WebhookService struct {
	repo     webhook.Repository
	handlers map[payment.Provider]EventHandler
	paypal   PayPalVerifier
	dedup    Deduplicator
	dlq      DeadLetterPublisher
	alerts   AlertSender
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cfg      WebhookConfig
	now      func() time.Time
}

func NewWebhookService(
	repo webhook.Repository,
	handlers map[payment.Provider]EventHandler,
	paypal PayPalVerifier,
	dedup Deduplicator,
	dlq DeadLetterPublisher,
	alerts AlertSender,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg WebhookConfig,
) *WebhookService {
	if cfg.StripeTolerance <= 0 {
		cfg.StripeTolerance = 300 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	return &WebhookService{
		repo:     repo,
		handlers: handlers,
		paypal:   paypal,
		dedup:    dedup,
		dlq:      dlq,
		alerts:   alerts,
		metrics:  metrics,
		logger:   observability.Component(logger, "webhooks"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Handle verifies and processes a webhook as received over HTTP. Signature
// failures return ErrInvalidWebhookSignature and are not retried. A webhook
// whose signature could not be checked before retries ran out is rejected the
// same way.
func (s *WebhookService) Handle(ctx context.Context, provider payment.Provider, payload []byte, header http.Header) (*WebhookOutcome, error) {
	if _, ok := s.handlers[provider]; !ok {
		return nil, fmt.Errorf("%w: %s", domainErrors.ErrUnsupportedWebhook, provider)
	}

	receipt := webhook.NewReceipt(provider, payload, header)
	if err := s.repo.SaveReceipt(ctx, receipt); err != nil {
		s.logger.Error().Err(err).Str("webhook_id", receipt.ID).Msg("Failed to record webhook receipt")
	}
	return s.run(ctx, receipt, false)
}

// Replay processes a dead-lettered webhook again. Only verified webhooks are
// dead-lettered, so the signature is not checked again. A failed replay is not
// dead-lettered or alerted a second time.
func (s *WebhookService) Replay(ctx context.Context, dl redis.DeadLetter) (*WebhookOutcome, error) {
	provider := payment.Provider(dl.Provider)
	if _, ok := s.handlers[provider]; !ok {
		return nil, fmt.Errorf("%w: %s", domainErrors.ErrUnsupportedWebhook, provider)
	}
	receipt := &webhook.Receipt{
		ID:         dl.WebhookID,
		Provider:   provider,
		Payload:    dl.Payload,
		Headers:    dl.Headers,
		ReceivedAt: dl.FailedAt,
	}
	return s.run(ctx, receipt, true)
}

// IsReplayable reports whether a failed Replay may succeed on a later delivery.
func IsReplayable(err error) bool {
	if errors.Is(err, domainErrors.ErrUnsupportedWebhook) {
		return false
	}
	return retryableWebhookError(err)
}

func (s *WebhookService) run(ctx context.Context, receipt *webhook.Receipt, replay bool) (*WebhookOutcome, error) {
	start := s.now()
	defer func() {
		s.metrics.WebhookProcessingDuration.WithLabelValues(string(receipt.Provider)).Observe(time.Since(start).Seconds())
	}()
	log := s.logger.With().Str("webhook_id", receipt.ID).Str("provider", string(receipt.Provider)).Bool("replay", replay).Logger()

	attempts := 0
	// verified tracks the latest signature check of this delivery.
	verified := replay
	cfg := retry.Config{
		MaxRetries: s.cfg.MaxRetries,
		BaseDelay:  s.cfg.BaseDelay,
		Multiplier: 2,
		RetryIf:    retryableWebhookError,
		Timer:      s.cfg.Timer,
		OnRetry: func(n int, delay time.Duration, err error) {
			log.Warn().Err(err).Int("retry", n+1).Dur("delay", delay).Msg("Webhook processing failed, retrying")
		},
	}
	outcome, err := retry.DoWithResult(ctx, cfg, func() (*WebhookOutcome, error) {
		attempts++
		if !replay {
			verified = false
			if err := s.validate(ctx, receipt); err != nil {
				return nil, err
			}
			verified = true
		}
		return s.process(ctx, receipt, attempts-1)
	})
	if err == nil {
		outcome.Attempts = attempts
		s.metrics.WebhooksTotal.WithLabelValues(string(receipt.Provider), string(outcome.Status)).Inc()
		return outcome, nil
	}

	if !verified && !errors.Is(err, domainErrors.ErrInvalidWebhookSignature) {
		err = fmt.Errorf("%w: signature could not be verified: %v", domainErrors.ErrInvalidWebhookSignature, err)
	}
	if errors.Is(err, domainErrors.ErrInvalidWebhookSignature) {
		s.metrics.WebhookValidationFailures.WithLabelValues(string(receipt.Provider)).Inc()
		s.recordValidationFailure(ctx, receipt, err)
		log.Warn().Err(err).Msg("Webhook rejected")
		return nil, err
	}

	s.metrics.WebhooksTotal.WithLabelValues(string(receipt.Provider), string(webhook.StatusFailed)).Inc()
	msg := err.Error()
	s.saveLog(ctx, &webhook.ProcessingLog{
		WebhookID:    receipt.ID,
		Provider:     receipt.Provider,
		Status:       webhook.StatusFailed,
		ErrorMessage: &msg,
		RetryCount:   attempts - 1,
	})

	var ve *domainErrors.ValidationError
	if errors.As(err, &ve) {
		log.Warn().Err(err).Msg("Malformed webhook payload")
		return nil, err
	}

	log.Error().Err(err).Int("attempts", attempts).Msg("Webhook processing failed")
	if replay {
		return nil, fmt.Errorf("%w: %w", domainErrors.ErrWebhookProcessingFailed, err)
	}
	s.alerts.WebhookFailure(ctx, receipt.Provider, receipt.ID, err)
	if s.dlq != nil && retryableWebhookError(err) {
		dl := redis.DeadLetter{
			WebhookID: receipt.ID,
			Provider:  string(receipt.Provider),
			Reason:    msg,
			Payload:   receipt.Payload,
			Headers:   receipt.Headers,
			FailedAt:  s.now(),
		}
		if err := s.dlq.PublishWebhookDLQ(context.WithoutCancel(ctx), dl); err != nil {
			log.Error().Err(err).Msg("Failed to dead-letter webhook")
		}
	}
	return nil, fmt.Errorf("%w: %w", domainErrors.ErrWebhookProcessingFailed, err)
}

// process parses a verified webhook and applies it through the provider handler.
func (s *WebhookService) process(ctx context.Context, receipt *webhook.Receipt, retryCount int) (*WebhookOutcome, error) {
	ev, err := webhook.ParseEvent(receipt.Provider, receipt.Payload)
	if err != nil {
		var ve *domainErrors.ValidationError
		if errors.As(err, &ve) {
			return nil, err
		}
		return nil, domainErrors.NewValidationError("payload", err.Error())
	}

	out := &WebhookOutcome{WebhookID: receipt.ID, EventID: ev.ID, EventType: ev.Type}
	log := &webhook.ProcessingLog{
		WebhookID:  receipt.ID,
		Provider:   receipt.Provider,
		EventID:    ev.ID,
		EventType:  ev.Type,
		RetryCount: retryCount,
	}

	if s.dedup != nil && ev.ID != "" {
		seen, err := s.dedup.Seen(ctx, ev.DedupKey())
		if err != nil {
			s.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("Dedup check failed, processing anyway")
		}
		if seen {
			out.Status, log.Status = webhook.StatusDuplicate, webhook.StatusDuplicate
			s.saveLog(ctx, log)
			return out, nil
		}
	}

	result, err := s.handlers[receipt.Provider].Handle(ctx, ev)
	switch {
	case errors.Is(err, ErrUnhandledEvent):
		s.logger.Info().Str("event_type", ev.Type).Str("event_id", ev.ID).Msg("Ignoring unhandled webhook event")
		out.Status, log.Status = webhook.StatusIgnored, webhook.StatusIgnored
	case err != nil:
		return nil, err
	default:
		out.Status, log.Status = webhook.StatusSuccess, webhook.StatusSuccess
		out.Result, log.Result = result, result
	}

	if s.dedup != nil && ev.ID != "" {
		if _, err := s.dedup.MarkProcessed(ctx, ev.DedupKey()); err != nil {
			s.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to mark webhook event processed")
		}
	}
	s.saveLog(ctx, log)
	return out, nil
}

func (s *WebhookService) validate(ctx context.Context, r *webhook.Receipt) error {
	switch r.Provider {
	case payment.ProviderStripe:
		return VerifyStripeSignature(r.Payload, r.Header("stripe-signature"), r.Header("stripe-timestamp"),
			s.cfg.StripeSecret, s.cfg.StripeTolerance, s.now())
	case payment.ProviderPayPal:
		return s.verifyPayPal(ctx, r)
	default:
		return fmt.Errorf("%w: %s", domainErrors.ErrUnsupportedWebhook, r.Provider)
	}
}

func (s *WebhookService) verifyPayPal(ctx context.Context, r *webhook.Receipt) error {
	sig := providers.WebhookSignature{
		AuthAlgo:         r.Header("paypal-auth-algo"),
		CertID:           r.Header("paypal-cert-id"),
		CertURL:          r.Header("paypal-cert-url"),
		TransmissionID:   r.Header("paypal-transmission-id"),
		TransmissionSig:  r.Header("paypal-transmission-sig"),
		TransmissionTime: r.Header("paypal-transmission-time"),
	}
	if sig.AuthAlgo == "" || (sig.CertID == "" && sig.CertURL == "") || sig.TransmissionID == "" || sig.TransmissionSig == "" || sig.TransmissionTime == "" {
		return fmt.Errorf("%w: missing paypal signature headers", domainErrors.ErrInvalidWebhookSignature)
	}
	if s.paypal == nil {
		return fmt.Errorf("%w: paypal verification not configured", domainErrors.ErrInvalidWebhookSignature)
	}

	ok, err := s.paypal.VerifyWebhookSignature(ctx, sig, r.Payload)
	if err != nil {
		if domainErrors.IsRetryable(err) {
			return err
		}
		return fmt.Errorf("%w: %v", domainErrors.ErrInvalidWebhookSignature, err)
	}
	if !ok {
		return fmt.Errorf("%w: paypal verification failed", domainErrors.ErrInvalidWebhookSignature)
	}
	return nil
}

// VerifyStripeSignature checks an HMAC-SHA256 signature over "{timestamp}.{payload}".
// The signature header is either Stripe's "t=...,v1=..." form or a bare hex
// digest with the timestamp in timestampHeader. The timestamp must be within
// tolerance of now in either direction.
func VerifyStripeSignature(payload []byte, sigHeader, timestampHeader, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: stripe webhook secret not configured", domainErrors.ErrInvalidWebhookSignature)
	}

	ts, sigs := parseStripeSignature(sigHeader)
	if ts == "" {
		ts = strings.TrimSpace(timestampHeader)
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: missing stripe signature or timestamp", domainErrors.ErrInvalidWebhookSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp %q", domainErrors.ErrInvalidWebhookSignature, ts)
	}
	if age := now.Sub(time.Unix(unix, 0)); age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", domainErrors.ErrInvalidWebhookSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range sigs {
		got, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			return nil
		}
	}
	return fmt.Errorf("%w: stripe signature mismatch", domainErrors.ErrInvalidWebhookSignature)
}

// SignStripePayload returns the hex signature Stripe sends for payload at ts.
func SignStripePayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseStripeSignature(header string) (ts string, sigs []string) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			sigs = append(sigs, part)
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			sigs = append(sigs, value)
		}
	}
	return ts, sigs
}

// retryableWebhookError reports whether another validate and process round can help.
func retryableWebhookError(err error) bool {
	if errors.Is(err, domainErrors.ErrInvalidWebhookSignature) || errors.Is(err, context.Canceled) {
		return false
	}
	var ve *domainErrors.ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var pe *domainErrors.ProviderError
	if errors.As(err, &pe) && pe.Kind == domainErrors.KindPermanent {
		return false
	}
	return true
}

func (s *WebhookService) recordValidationFailure(ctx context.Context, r *webhook.Receipt, cause error) {
	failure := &webhook.ValidationFailure{
		Provider:     r.Provider,
		ErrorMessage: cause.Error(),
		Metadata:     map[string]any{"webhookId": r.ID},
		CreatedAt:    s.now(),
	}
	if err := s.repo.SaveValidationFailure(context.WithoutCancel(ctx), failure); err != nil {
		s.logger.Error().Err(err).Str("webhook_id", r.ID).Msg("Failed to record webhook validation failure")
	}
}

func (s *WebhookService) saveLog(ctx context.Context, l *webhook.ProcessingLog) {
	l.ProcessedAt = s.now()
	if err := s.repo.SaveProcessingLog(context.WithoutCancel(ctx), l); err != nil {
		s.logger.Error().Err(err).Str("webhook_id", l.WebhookID).Msg("Failed to record webhook processing log")
	}
}
