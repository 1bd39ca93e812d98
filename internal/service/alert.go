package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// Alert kinds, also used as the alert endpoint path suffix.
const (
	AlertPaymentFailure = "payment-failure"
	AlertWebhookFailure = "webhook-failure"
)

// AlertSender notifies operators about terminal failures. Delivery problems
// are logged, never returned.
type AlertSender interface {
	PaymentFailure(ctx context.Context, attemptID string, order payment.OrderData, cause error)
	WebhookFailure(ctx context.Context, provider payment.Provider, webhookID string, cause error)
}

// PaymentFailureAlert is the body posted to /api/alerts/payment-failure.
type PaymentFailureAlert struct {
	PaymentAttemptID string            `json:"paymentAttemptId" validate:"required"`
	OrderData        payment.OrderData `json:"orderData"`
	Error            string            `json:"error" validate:"required"`
	Timestamp        time.Time         `json:"timestamp"`
}

// WebhookFailureAlert is the body posted to /api/alerts/webhook-failure.
type WebhookFailureAlert struct {
	Provider  string    `json:"provider" validate:"required"`
	WebhookID string    `json:"webhookId" validate:"required"`
	Error     string    `json:"error" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenFunc returns a bearer token for the alert endpoints.
type TokenFunc func() (string, error)

type AlertConfig struct {
	Enabled bool
	BaseURL string
	Timeout time.Duration
}

// AlertClient posts alerts to the alert endpoints with a service JWT.
type AlertClient struct {
	client  *http.Client
	cfg     AlertConfig
	token   TokenFunc
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewAlertClient(cfg AlertConfig, token TokenFunc, metrics *observability.Metrics, logger zerolog.Logger) *AlertClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &AlertClient{
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		token:   token,
		metrics: metrics,
		logger:  observability.Component(logger, "alerts"),
	}
}

func (c *AlertClient) PaymentFailure(ctx context.Context, attemptID string, order payment.OrderData, cause error) {
	c.send(ctx, AlertPaymentFailure, PaymentFailureAlert{
		PaymentAttemptID: attemptID,
		OrderData:        order,
		Error:            errorText(cause),
		Timestamp:        time.Now().UTC(),
	})
}

func (c *AlertClient) WebhookFailure(ctx context.Context, provider payment.Provider, webhookID string, cause error) {
	c.send(ctx, AlertWebhookFailure, WebhookFailureAlert{
		Provider:  string(provider),
		WebhookID: webhookID,
		Error:     errorText(cause),
		Timestamp: time.Now().UTC(),
	})
}

func (c *AlertClient) send(ctx context.Context, kind string, body any) {
	if !c.cfg.Enabled {
		return
	}
	// the alert must go out even when the request that failed was cancelled
	ctx = context.WithoutCancel(ctx)

	if err := c.post(ctx, kind, body); err != nil {
		c.metrics.AlertsTotal.WithLabelValues(kind, "error").Inc()
		c.logger.Error().Err(err).Str("kind", kind).Msg("Failed to send alert")
		return
	}
	c.metrics.AlertsTotal.WithLabelValues(kind, "sent").Inc()
}

func (c *AlertClient) post(ctx context.Context, kind string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/alerts/"+kind, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		token, err := c.token()
		if err != nil {
			return fmt.Errorf("sign alert token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
