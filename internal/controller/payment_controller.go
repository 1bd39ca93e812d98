package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/service"
)

// PaymentController handles payment-related HTTP requests.
type PaymentController struct {
	fallback *service.FallbackManager
	attempts payment.Repository
}

// NewPaymentController creates a new PaymentController.
func NewPaymentController(fallback *service.FallbackManager, attempts payment.Repository) *PaymentController {
	return &PaymentController{fallback: fallback, attempts: attempts}
}

// Process handles POST /api/v1/payments
func (h *PaymentController) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessPaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var preferred *payment.Provider
	if req.PreferredProvider != "" {
		p, err := payment.ParseProvider(req.PreferredProvider)
		if err != nil {
			writeError(w, err)
			return
		}
		preferred = &p
	}

	res, err := h.fallback.ProcessPayment(r.Context(), req.OrderData.toDomain(), preferred)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAttempt handles GET /api/v1/payments/{id}
func (h *PaymentController) GetAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := h.fallback.GetAttempt(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	failures, err := h.attempts.ListFailures(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttemptResponse(a, failures))
}
