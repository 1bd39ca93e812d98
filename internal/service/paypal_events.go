package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/domain/webhook"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/providers"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// OrderCapturer captures an approved PayPal order.
type OrderCapturer interface {
	CaptureOrder(ctx context.Context, orderID string) (*providers.CaptureResult, error)
}

// PayPalEventHandler applies PayPal webhook events.
type PayPalEventHandler struct {
	capturer  OrderCapturer
	attempts  payment.Repository
	sessions  payment.SessionRepository
	refunds   payment.RefundRepository
	publisher EventPublisher
	logger    zerolog.Logger
}

func NewPayPalEventHandler(
	capturer OrderCapturer,
	attempts payment.Repository,
	sessions payment.SessionRepository,
	refunds payment.RefundRepository,
	publisher EventPublisher,
	logger zerolog.Logger,
) *PayPalEventHandler {
	return &PayPalEventHandler{
		capturer:  capturer,
		attempts:  attempts,
		sessions:  sessions,
		refunds:   refunds,
		publisher: publisher,
		logger:    logger.With().Str("component", "paypal_events").Logger(),
	}
}

type paypalResourceMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

func (m paypalResourceMoney) cents() int64 {
	d, err := decimal.NewFromString(m.Value)
	if err != nil {
		return 0
	}
	return d.Shift(2).Round(0).IntPart()
}

type paypalOrderResource struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		ReferenceID string              `json:"reference_id"`
		CustomID    string              `json:"custom_id"`
		Amount      paypalResourceMoney `json:"amount"`
	} `json:"purchase_units"`
}

type paypalCaptureResource struct {
	ID                string              `json:"id"`
	Status            string              `json:"status"`
	CustomID          string              `json:"custom_id"`
	Amount            paypalResourceMoney `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	Links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

func (h *PayPalEventHandler) Handle(ctx context.Context, ev *webhook.Event) (map[string]any, error) {
	switch ev.Type {
	case "CHECKOUT.ORDER.APPROVED":
		return h.orderApproved(ctx, ev)
	case "PAYMENT.CAPTURE.COMPLETED":
		return h.captureCompleted(ctx, ev)
	case "PAYMENT.CAPTURE.DENIED":
		return h.captureDenied(ctx, ev)
	case "PAYMENT.CAPTURE.REFUNDED":
		return h.captureRefunded(ctx, ev)
	default:
		return nil, ErrUnhandledEvent
	}
}

func (h *PayPalEventHandler) orderApproved(ctx context.Context, ev *webhook.Event) (map[string]any, error) {
	var order paypalOrderResource
	if err := decodeObject(ev, &order); err != nil {
		return nil, err
	}

	capture, err := h.capturer.CaptureOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	var reference, attemptID string
	var amount int64
	if len(order.PurchaseUnits) > 0 {
		pu := order.PurchaseUnits[0]
		reference, attemptID, amount = pu.ReferenceID, pu.CustomID, pu.Amount.cents()
	}
	if err := h.markSession(ctx, order.ID, attemptID, amount, capture.Currency, payment.SessionCaptured); err != nil {
		return nil, err
	}

	if err := publishEvent(ctx, h.publisher, ev, reference); err != nil {
		return nil, err
	}
	return map[string]any{
		"orderId":   order.ID,
		"captureId": capture.CaptureID,
		"status":    capture.Status,
		"reference": reference,
	}, nil
}

func (h *PayPalEventHandler) captureCompleted(ctx context.Context, ev *webhook.Event) (map[string]any, error) {
	var c paypalCaptureResource
	if err := decodeObject(ev, &c); err != nil {
		return nil, err
	}

	orderID := c.SupplementaryData.RelatedIDs.OrderID
	if orderID != "" {
		if err := h.markSession(ctx, orderID, c.CustomID, c.Amount.cents(), c.Amount.CurrencyCode, payment.SessionCaptured); err != nil {
			return nil, err
		}
	}

	if err := publishEvent(ctx, h.publisher, ev, orderID); err != nil {
		return nil, err
	}
	return map[string]any{"captureId": c.ID, "orderId": orderID, "amount": c.Amount.Value}, nil
}

func (h *PayPalEventHandler) captureDenied(ctx context.Context, ev *webhook.Event) (map[string]any, error) {
	var c paypalCaptureResource
	if err := decodeObject(ev, &c); err != nil {
		return nil, err
	}

	reason := c.StatusDetails.Reason
	if reason == "" {
		reason = "capture denied"
	}
	var attemptID *string
	if c.CustomID != "" {
		attemptID = &c.CustomID
	}
	orderID := c.SupplementaryData.RelatedIDs.OrderID
	if err := h.attempts.RecordFailure(ctx, &payment.ProviderFailure{
		AttemptID:    attemptID,
		Provider:     payment.ProviderPayPal,
		Operation:    payment.OpWebhook,
		ErrorMessage: reason,
		Metadata:     map[string]any{"captureId": c.ID, "orderId": orderID, "eventId": ev.ID},
		CreatedAt:    time.Now(),
	}); err != nil {
		return nil, err
	}
	if orderID != "" {
		if err := h.markSession(ctx, orderID, c.CustomID, c.Amount.cents(), c.Amount.CurrencyCode, payment.SessionFailed); err != nil {
			return nil, err
		}
	}

	if err := publishEvent(ctx, h.publisher, ev, orderID); err != nil {
		return nil, err
	}
	return map[string]any{"captureId": c.ID, "reason": reason}, nil
}

func (h *PayPalEventHandler) captureRefunded(ctx context.Context, ev *webhook.Event) (map[string]any, error) {
	// the resource is the refund; its "up" link points at the capture
	var r paypalCaptureResource
	if err := decodeObject(ev, &r); err != nil {
		return nil, err
	}

	captureID := ""
	for _, l := range r.Links {
		if l.Rel == "up" {
			captureID = l.Href[strings.LastIndex(l.Href, "/")+1:]
		}
	}
	amount := r.Amount.cents()
	if err := h.refunds.CreateRefund(ctx, &payment.Refund{
		ID:            r.ID,
		Provider:      payment.ProviderPayPal,
		TransactionID: captureID,
		AmountCents:   &amount,
		Currency:      r.Amount.CurrencyCode,
		Status:        strings.ToLower(r.Status),
		CreatedAt:     time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}

	if err := publishEvent(ctx, h.publisher, ev, captureID); err != nil {
		return nil, err
	}
	return map[string]any{"refundId": r.ID, "captureId": captureID, "amount": r.Amount.Value}, nil
}

// markSession moves a PayPal order to status, creating the session row when
// the order was not started through this service.
func (h *PayPalEventHandler) markSession(ctx context.Context, orderID, attemptID string, amountCents int64, currency string, status payment.SessionStatus) error {
	err := h.sessions.UpdateSessionStatus(ctx, payment.ProviderPayPal, orderID, status)
	if errors.Is(err, domainErrors.ErrSessionNotFound) {
		now := time.Now()
		err = h.sessions.UpsertSession(ctx, &payment.ProviderSession{
			Provider:    payment.ProviderPayPal,
			SessionID:   orderID,
			AttemptID:   attemptID,
			AmountCents: amountCents,
			Currency:    currency,
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err != nil {
		return fmt.Errorf("update paypal order %s: %w", orderID, err)
	}
	return nil
}
