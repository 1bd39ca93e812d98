package controller

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/midastechnical/mdts-payments/internal/domain/crypto"
	"github.com/midastechnical/mdts-payments/internal/infrastructure/providers"
	"github.com/midastechnical/mdts-payments/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const rateLookupTimeout = 3 * time.Second

// CryptoController serves crypto currency and payment status lookups.
type CryptoController struct {
	monitor *service.CryptoMonitor
	rates   providers.RateSource
}

// NewCryptoController creates a CryptoController. rates may be nil, in which
// case currencies are listed without prices.
func NewCryptoController(monitor *service.CryptoMonitor, rates providers.RateSource) *CryptoController {
	return &CryptoController{monitor: monitor, rates: rates}
}

// Currencies handles GET /api/v1/crypto/currencies?fiat=usd
func (h *CryptoController) Currencies(w http.ResponseWriter, r *http.Request) {
	fiat := strings.ToLower(r.URL.Query().Get("fiat"))
	if fiat == "" {
		fiat = "usd"
	}

	ctx, cancel := context.WithTimeout(r.Context(), rateLookupTimeout)
	defer cancel()

	resp := lo.Map(crypto.SupportedCurrencies(), func(c crypto.Currency, _ int) CurrencyResponse {
		out := CurrencyResponse{Currency: c}
		if h.rates == nil {
			return out
		}
		rate, err := h.rates.Rate(ctx, c.CoinGeckoID, fiat)
		if err != nil {
			log.Warn().Err(err).Str("crypto_type", c.Key).Msg("Exchange rate unavailable")
			return out
		}
		s := rate.String()
		out.Rate, out.Fiat = &s, fiat
		return out
	})
	writeJSON(w, http.StatusOK, resp)
}

// GetPayment handles GET /api/v1/crypto/payments/{id}. It refreshes the
// confirmation count from the chain before answering.
func (h *CryptoController) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid payment id", Code: "invalid_id"})
		return
	}

	st, err := h.monitor.CheckStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCryptoPaymentResponse(st))
}
