package controller

import (
	"net/http"

	"github.com/midastechnical/mdts-payments/internal/infrastructure/observability"
	"github.com/midastechnical/mdts-payments/internal/service"
	"github.com/rs/zerolog"
)

type alertAccepted struct {
	Received bool   `json:"received"`
	Kind     string `json:"kind"`
}

// AlertController receives operator alerts posted by the services.
type AlertController struct {
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewAlertController(metrics *observability.Metrics, logger zerolog.Logger) *AlertController {
	return &AlertController{metrics: metrics, logger: observability.Component(logger, "alert_receiver")}
}

// PaymentFailure handles POST /api/alerts/payment-failure
func (h *AlertController) PaymentFailure(w http.ResponseWriter, r *http.Request) {
	var req service.PaymentFailureAlert
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	h.logger.Error().
		Str("attempt_id", req.PaymentAttemptID).
		Str("order_id", req.OrderData.OrderID).
		Int64("amount_cents", req.OrderData.AmountCents).
		Str("currency", req.OrderData.Currency).
		Str("customer", req.OrderData.Customer.Email).
		Time("failed_at", req.Timestamp).
		Msg("ALERT: payment failed on every provider: " + req.Error)
	h.accepted(w, service.AlertPaymentFailure)
}

// WebhookFailure handles POST /api/alerts/webhook-failure
func (h *AlertController) WebhookFailure(w http.ResponseWriter, r *http.Request) {
	var req service.WebhookFailureAlert
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	h.logger.Error().
		Str("provider", req.Provider).
		Str("webhook_id", req.WebhookID).
		Time("failed_at", req.Timestamp).
		Msg("ALERT: webhook processing failed: " + req.Error)
	h.accepted(w, service.AlertWebhookFailure)
}

func (h *AlertController) accepted(w http.ResponseWriter, kind string) {
	h.metrics.AlertsTotal.WithLabelValues(kind, "received").Inc()
	writeJSON(w, http.StatusAccepted, alertAccepted{Received: true, Kind: kind})
}
