package controller

import (
	"net/http"

	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/middleware"
	"github.com/midastechnical/mdts-payments/internal/service"
	"github.com/rs/zerolog/log"
)

// RefundController issues refunds through the providers.
type RefundController struct {
	refunds *service.RefundService
}

func NewRefundController(refunds *service.RefundService) *RefundController {
	return &RefundController{refunds: refunds}
}

// Create handles POST /api/v1/refunds
func (h *RefundController) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRefundRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	provider, err := payment.ParseProvider(req.Provider)
	if err != nil {
		writeError(w, err)
		return
	}

	if claims, ok := middleware.GetClaims(r.Context()); ok {
		log.Info().Str("subject", claims.Subject).Str("provider", req.Provider).
			Str("transaction_id", req.TransactionID).Msg("Refund requested")
	}

	rf, err := h.refunds.Refund(r.Context(), service.RefundRequest{
		Provider:      provider,
		TransactionID: req.TransactionID,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		Reason:        req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RefundResponse{
		ID:            rf.ID,
		Provider:      string(rf.Provider),
		TransactionID: rf.TransactionID,
		AmountCents:   rf.AmountCents,
		Currency:      rf.Currency,
		Status:        rf.Status,
	})
}
