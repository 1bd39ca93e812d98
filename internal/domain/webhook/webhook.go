package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
)

// ProcessingStatus is the outcome recorded for a processed webhook
type ProcessingStatus string

const (
	StatusSuccess   ProcessingStatus = "success"
	StatusFailed    ProcessingStatus = "failed"
	StatusIgnored   ProcessingStatus = "ignored"
	StatusDuplicate ProcessingStatus = "duplicate"
)

// Receipt is an inbound webhook as it arrived.
type Receipt struct {
	ID         string
	Provider   payment.Provider
	Payload    []byte
	Headers    map[string]string
	ReceivedAt time.Time
}

// NewReceipt captures the payload and the lower-cased headers of a webhook request
func NewReceipt(provider payment.Provider, payload []byte, header http.Header) *Receipt {
	headers := make(map[string]string, len(header))
	for k := range header {
		headers[strings.ToLower(k)] = header.Get(k)
	}
	return &Receipt{
		ID:         uuid.New().String(),
		Provider:   provider,
		Payload:    payload,
		Headers:    headers,
		ReceivedAt: time.Now(),
	}
}

// Header returns a header by its lower-cased name
func (r *Receipt) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// ProcessingLog records the outcome of processing a receipt.
type ProcessingLog struct {
	WebhookID    string
	Provider     payment.Provider
	EventID      string
	EventType    string
	Status       ProcessingStatus
	Result       map[string]any
	ErrorMessage *string
	RetryCount   int
	ProcessedAt  time.Time
}

// ValidationFailure records a webhook rejected by signature validation.
type ValidationFailure struct {
	Provider     payment.Provider
	ErrorMessage string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Event is the provider-neutral view of a webhook body. Object holds
// Stripe's data.object or PayPal's resource.
type Event struct {
	ID       string
	Type     string
	Provider payment.Provider
	Object   json.RawMessage
}

type stripeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type paypalEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

// ParseEvent decodes a webhook body in the provider's envelope format
func ParseEvent(provider payment.Provider, payload []byte) (*Event, error) {
	switch provider {
	case payment.ProviderStripe:
		var env stripeEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, fmt.Errorf("decode stripe event: %w", err)
		}
		if env.Type == "" {
			return nil, errors.NewValidationError("type", "missing event type")
		}
		return &Event{ID: env.ID, Type: env.Type, Provider: provider, Object: env.Data.Object}, nil
	case payment.ProviderPayPal:
		var env paypalEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, fmt.Errorf("decode paypal event: %w", err)
		}
		if env.EventType == "" {
			return nil, errors.NewValidationError("event_type", "missing event type")
		}
		return &Event{ID: env.ID, Type: env.EventType, Provider: provider, Object: env.Resource}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedWebhook, provider)
	}
}

// DedupKey identifies an event across deliveries
func (e *Event) DedupKey() string {
	return string(e.Provider) + ":" + e.ID
}
