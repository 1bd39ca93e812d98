package controller

import (
	"io"
	"net/http"

	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/service"
)

// WebhookController receives provider webhooks.
type WebhookController struct {
	webhooks *service.WebhookService
}

func NewWebhookController(webhooks *service.WebhookService) *WebhookController {
	return &WebhookController{webhooks: webhooks}
}

// Stripe handles POST /api/v1/webhooks/stripe
func (h *WebhookController) Stripe(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, payment.ProviderStripe)
}

// PayPal handles POST /api/v1/webhooks/paypal
func (h *WebhookController) PayPal(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, payment.ProviderPayPal)
}

func (h *WebhookController) handle(w http.ResponseWriter, r *http.Request, provider payment.Provider) {
	// signatures are computed over the raw bytes
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.webhooks.Handle(r.Context(), provider, payload, r.Header)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WebhookResponse{
		Received:  true,
		WebhookID: out.WebhookID,
		EventID:   out.EventID,
		EventType: out.EventType,
		Status:    string(out.Status),
	})
}
