package errors

import (
	"errors"
	"fmt"
)

var (
	// Payment errors
	ErrAttemptNotFound        = errors.New("payment attempt not found")
	ErrDuplicateAttempt       = errors.New("payment attempt already exists")
	ErrSessionNotFound        = errors.New("provider session not found")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrUnsupportedCurrency    = errors.New("unsupported currency")
	ErrNoProvidersAvailable   = errors.New("no payment providers available")
	ErrAllProvidersFailed     = errors.New("all payment providers failed")
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// Provider errors
	ErrProviderNotFound    = errors.New("payment provider not found")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrProviderRejected    = errors.New("payment rejected by provider")
	ErrProviderTimeout     = errors.New("provider request timeout")
	ErrRefundUnsupported   = errors.New("refund not supported by provider")

	// Webhook errors
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
	ErrUnsupportedWebhook      = errors.New("unsupported webhook provider")
	ErrWebhookProcessingFailed = errors.New("webhook processing failed")

	// Crypto errors
	ErrCryptoPaymentNotFound = errors.New("crypto payment not found")
	ErrUnsupportedCrypto     = errors.New("unsupported cryptocurrency")
	ErrExchangeRateUnknown   = errors.New("exchange rate unavailable")

	// Idempotency errors
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Auth errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// DomainError carries an API error code alongside the wrapped cause.
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError reports one invalid input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
