package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/domain/webhook"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/redis"
	"github.com/rs/zerolog"
)

// EventPublisher forwards handled provider events to fulfilment consumers.
type EventPublisher interface {
	PublishPaymentEvent(ctx context.Context, ev redis.PaymentEvent) error
}

// StripeEventHandler applies Stripe webhook events.
type StripeEventHandler struct {
	attempts  payment.Repository
	sessions  payment.SessionRepository
	refunds   payment.RefundRepository
	txManager TransactionManager
	publisher EventPublisher
	logger    zerolog.Logger
}

func NewStripeEventHandler(
	attempts payment.Repository,
	sessions payment.SessionRepository,
	refunds payment.RefundRepository,
	txManager TransactionManager,
	publisher EventPublisher,
	logger zerolog.Logger,
) *StripeEventHandler {
	return &StripeEventHandler{
		attempts:  attempts,
		sessions:  sessions,
		refunds:   refunds,
		txManager: txManager,
		publisher: publisher,
		logger:    logger.With().Str("component", "stripe_events").Logger(),
	}
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentIntent     string            `json:"payment_intent"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type stripePaymentIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeCharge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Refunds        struct {
		Data []struct {
			ID     string `json:"id"`
			Amount int64  `json:"amount"`
			Reason string `json:"reason"`
			Status string `json:"status"`
		} `json:"data"`
	} `json:"refunds"`
}

type stripeObject struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

func (h *StripeEventHandler) Handle(ctx context.Context, ev *webhook.Event) (map[string]any, error) {
	switch ev.Type {
	case "checkout.session.completed":
		return h.checkoutCompleted(ctx, ev)
	case "payment_intent.succeeded":
		return h.paymentIntentSucceeded(ctx, ev)
	case "payment_intent.payment_failed":
		return h.paymentIntentFailed(ctx, ev)
	case "charge.refunded":
		return h.chargeRefunded(ctx, ev)
	case "invoice.payment_succeeded",
		"customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"payment_method.attached":
		return h.record(ctx, ev)
	default:
		return nil, ErrUnhandledEvent
	}
}

func (h *StripeEventHandler) checkoutCompleted(ctx context.Context, ev *webhook.Event) (map[string]any, error) {
	var sess stripeCheckoutSession
	if err := decodeObject(ev, &sess); err != nil {
		return nil, err
	}

	err := h.sessions.UpdateSessionStatus(ctx, payment.ProviderStripe, sess.ID, payment.SessionCompleted)
	if errors.Is(err, domainErrors.ErrSessionNotFound) {
		now := time.Now()
		err = h.sessions.UpsertSession(ctx, &payment.ProviderSession{
			Provider:    payment.ProviderStripe,
			SessionID:   sess.ID,
			AttemptID:   sess.Metadata["payment_attempt_id"],
			AmountCents: sess.AmountTotal,
			Currency:    sess.Currency,
			Status:      payment.SessionCompleted,
			Metadata:    map[string]any{"orderId": sess.ClientReferenceID},
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("update checkout session: %w", err)
	}

	if err := h.publish(ctx, ev, sess.ClientReferenceID); err != nil {
		return nil, err
	}
	return map[string]any{
		"sessionId":     sess.ID,
		"orderId":       sess.ClientReferenceID,
		"paymentIntent": sess.PaymentIntent,
		"paymentStatus": sess.PaymentStatus,
	}, nil
}

func (h *StripeEventHandler) paymentIntentSucceeded(ctx context.Context, ev *webhook.Event) (map[string]any, error) {
	var pi stripePaymentIntent
	if err := decodeObject(ev, &pi); err != nil {
		return nil, err
	}
	if err := h.publish(ctx, ev, pi.Metadata["order_id"]); err != nil {
		return nil, err
	}
	return map[string]any{"paymentIntentId": pi.ID, "amount": pi.Amount, "currency": pi.Currency}, nil
}

func (h *StripeEventHandler) paymentIntentFailed(ctx context.Context, ev *webhook.Event) (map[string]any, error) {
	var pi stripePaymentIntent
	if err := decodeObject(ev, &pi); err != nil {
		return nil, err
	}

	reason := "payment failed"
	code := ""
	if pi.LastPaymentError != nil {
		reason, code = pi.LastPaymentError.Message, pi.LastPaymentError.Code
	}
	var attemptID *string
	if id := pi.Metadata["payment_attempt_id"]; id != "" {
		attemptID = &id
	}
	failure := &payment.ProviderFailure{
		AttemptID:    attemptID,
		Provider:     payment.ProviderStripe,
		Operation:    payment.OpWebhook,
		ErrorMessage: reason,
		Metadata:     map[string]any{"paymentIntentId": pi.ID, "eventId": ev.ID, "code": code},
		CreatedAt:    time.Now(),
	}
	if err := h.attempts.RecordFailure(ctx, failure); err != nil {
		return nil, err
	}

	if err := h.publish(ctx, ev, pi.Metadata["order_id"]); err != nil {
		return nil, err
	}
	return map[string]any{"paymentIntentId": pi.ID, "error": reason}, nil
}

func (h *StripeEventHandler) chargeRefunded(ctx context.Context, ev *webhook.Event) (map[string]any, error) {
	var ch stripeCharge
	if err := decodeObject(ev, &ch); err != nil {
		return nil, err
	}

	transactionID := ch.PaymentIntent
	if transactionID == "" {
		transactionID = ch.ID
	}
	err := h.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		for _, r := range ch.Refunds.Data {
			amount := r.Amount
			if err := h.refunds.CreateRefund(ctx, &payment.Refund{
				ID:            r.ID,
				Provider:      payment.ProviderStripe,
				TransactionID: transactionID,
				AmountCents:   &amount,
				Currency:      ch.Currency,
				Reason:        r.Reason,
				Status:        r.Status,
				CreatedAt:     time.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record refunds: %w", err)
	}

	if err := h.publish(ctx, ev, transactionID); err != nil {
		return nil, err
	}
	return map[string]any{"chargeId": ch.ID, "amountRefunded": ch.AmountRefunded, "refunds": len(ch.Refunds.Data)}, nil
}

// record publishes events that need no local state change.
func (h *StripeEventHandler) record(ctx context.Context, ev *webhook.Event) (map[string]any, error) {
	var obj stripeObject
	if err := decodeObject(ev, &obj); err != nil {
		return nil, err
	}
	h.logger.Info().Str("event_type", ev.Type).Str("object_id", obj.ID).Str("customer", obj.Customer).Msg("Stripe event recorded")
	if err := h.publish(ctx, ev, obj.ID); err != nil {
		return nil, err
	}
	return map[string]any{"objectId": obj.ID, "recorded": true}, nil
}

func (h *StripeEventHandler) publish(ctx context.Context, ev *webhook.Event, reference string) error {
	return publishEvent(ctx, h.publisher, ev, reference)
}

func publishEvent(ctx context.Context, publisher EventPublisher, ev *webhook.Event, reference string) error {
	if publisher == nil {
		return nil
	}
	return publisher.PublishPaymentEvent(ctx, redis.PaymentEvent{
		Provider:  string(ev.Provider),
		EventType: ev.Type,
		EventID:   ev.ID,
		Reference: reference,
		Data:      ev.Object,
	})
}

func decodeObject(ev *webhook.Event, v any) error {
	if len(ev.Object) == 0 {
		return domainErrors.NewValidationError("object", "missing event object")
	}
	if err := json.Unmarshal(ev.Object, v); err != nil {
		return domainErrors.NewValidationError("object", fmt.Sprintf("decode %s: %v", ev.Type, err))
	}
	return nil
}
