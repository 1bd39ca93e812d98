package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a provider failure for the retry policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindRetryable
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ProviderError is returned by provider adapters. Kind is decided by the adapter
// from what the vendor reported (HTTP status, SDK error type), not from text.
type ProviderError struct {
	Provider   string
	Op         string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a provider error of the given kind.
func NewProviderError(provider, op string, kind Kind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Kind: kind, Err: err}
}

// KindForStatus maps an HTTP status returned by a vendor API to a retry kind.
func KindForStatus(status int) Kind {
	switch {
	case status == 408, status == 425, status == 429:
		return KindRetryable
	case status >= 500:
		return KindRetryable
	case status >= 400:
		return KindPermanent
	default:
		return KindUnknown
	}
}

// retryableMarkers are matched against untyped error messages.
var retryableMarkers = []string{
	"network",
	"timeout",
	"rate_limit",
	"temporary_failure",
	"service_unavailable",
}

// IsRetryableMessage reports whether msg contains one of the transient failure
// markers, case-insensitively.
func IsRetryableMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range retryableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsRetryable classifies err. Typed provider errors win; then deadline and network
// timeouts; untyped errors fall back to IsRetryableMessage.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.Kind != KindUnknown {
		return pe.Kind == KindRetryable
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProviderTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return IsRetryableMessage(err.Error())
}
