package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domainErrors.ErrAttemptNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrCryptoPaymentNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrSessionNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrProviderNotFound, http.StatusBadRequest, "unknown_provider"},
	{domainErrors.ErrUnsupportedCrypto, http.StatusBadRequest, "unsupported_crypto"},
	{domainErrors.ErrUnsupportedCurrency, http.StatusBadRequest, "unsupported_currency"},
	{domainErrors.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{domainErrors.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_request"},
	{domainErrors.ErrDuplicateAttempt, http.StatusConflict, "duplicate_attempt"},
	{domainErrors.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{domainErrors.ErrNoProvidersAvailable, http.StatusServiceUnavailable, "no_providers_available"},
	{domainErrors.ErrAllProvidersFailed, http.StatusBadGateway, "all_providers_failed"},
	{domainErrors.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
	{domainErrors.ErrRefundUnsupported, http.StatusUnprocessableEntity, "refund_unsupported"},
	{domainErrors.ErrExchangeRateUnknown, http.StatusServiceUnavailable, "exchange_rate_unavailable"},
	{domainErrors.ErrInvalidWebhookSignature, http.StatusUnauthorized, "invalid_signature"},
	{domainErrors.ErrUnsupportedWebhook, http.StatusNotFound, "unsupported_webhook"},
	{domainErrors.ErrWebhookProcessingFailed, http.StatusInternalServerError, "webhook_processing_failed"},
	{domainErrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domainErrors.ErrForbidden, http.StatusForbidden, "forbidden"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		resp.Code = "validation_error"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		resp.Code = "payload_too_large"
		writeJSON(w, http.StatusRequestEntityTooLarge, resp)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			if m.err == domainErrors.ErrWebhookProcessingFailed {
				resp.Error = "webhook processing failed"
			}
			writeJSON(w, m.status, resp)
			return
		}
	}

	var providerErr *domainErrors.ProviderError
	if errors.As(err, &providerErr) {
		resp.Code = "provider_error"
		status := http.StatusBadGateway
		if providerErr.Kind == domainErrors.KindPermanent {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, resp)
		return
	}

	var domainErr *domainErrors.DomainError
	if errors.As(err, &domainErr) {
		resp.Code = domainErr.Code
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	log.Error().Err(err).Msg("unhandled error in handler")
	resp.Code = "internal_error"
	resp.Error = "internal server error"
	writeJSON(w, http.StatusInternalServerError, resp)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return domainErrors.NewValidationError(fieldPath(ve[0]), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}

// fieldPath drops the root struct name from the validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
