package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/midastechnical/mdts-payments/internal/domain/errors"
)

// Provider identifies an external payment provider
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
	ProviderCrypto Provider = "crypto"
)

// AttemptStatus represents the status of a payment attempt
type AttemptStatus string

const (
	StatusStarted AttemptStatus = "started"
	StatusSuccess AttemptStatus = "success"
	StatusFailed  AttemptStatus = "failed"
)

// Operation names recorded in the provider failure log.
const (
	OpProcess               = "process"
	OpHealthCheck           = "health_check"
	OpRefund                = "refund"
	OpCreateCheckoutSession = "create_checkout_session"
	OpCreateOrder           = "create_order"
	OpCaptureOrder          = "capture_order"
	OpCheckStatus           = "check_status"
	OpWebhook               = "webhook"
)

// Amount represents a monetary amount in the smallest currency unit (e.g. cents).
type Amount struct {
	ValueCents int64
	Currency   string
}

// String returns a human-readable representation of the amount.
func (a Amount) String() string {
	whole := a.ValueCents / 100
	frac := a.ValueCents % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%02d %s", whole, frac, strings.ToUpper(a.Currency))
}

// Validate checks that the amount is valid.
func (a Amount) Validate() error {
	return validateAmount(a)
}

// LineItem is a single product line of an order.
type LineItem struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	SKU             string `json:"sku,omitempty"`
	UnitAmountCents int64  `json:"unitAmountCents"`
	Quantity        int64  `json:"quantity"`
}

// Customer holds the buyer details passed to providers.
type Customer struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// OrderData is the order snapshot a payment attempt is made for.
type OrderData struct {
	OrderID          string            `json:"orderId"`
	AmountCents      int64             `json:"amountCents"`
	Currency         string            `json:"currency"`
	LineItems        []LineItem        `json:"lineItems"`
	Customer         Customer          `json:"customer"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CryptoType       string            `json:"cryptoType,omitempty"`
	RequiresShipping bool              `json:"requiresShipping,omitempty"`
	ShippingCents    int64             `json:"shippingCents,omitempty"`
	TaxCents         int64             `json:"taxCents,omitempty"`
}

// Amount returns the order total.
func (o OrderData) Amount() Amount {
	return Amount{ValueCents: o.AmountCents, Currency: o.Currency}
}

// ItemTotalCents sums the line items.
func (o OrderData) ItemTotalCents() int64 {
	var total int64
	for _, item := range o.LineItems {
		total += item.UnitAmountCents * item.Quantity
	}
	return total
}

// HasBreakdown reports whether the line items, shipping and tax add up to the total.
func (o OrderData) HasBreakdown() bool {
	return len(o.LineItems) > 0 && o.ItemTotalCents()+o.ShippingCents+o.TaxCents == o.AmountCents
}

// Validate checks the order can be sent to a provider.
func (o OrderData) Validate() error {
	if err := validateAmount(o.Amount()); err != nil {
		return err
	}
	for i, item := range o.LineItems {
		if item.Name == "" {
			return errors.NewValidationError(fmt.Sprintf("lineItems[%d].name", i), "cannot be empty")
		}
		if item.Quantity <= 0 {
			return errors.NewValidationError(fmt.Sprintf("lineItems[%d].quantity", i), "must be greater than 0")
		}
		if item.UnitAmountCents < 0 {
			return errors.NewValidationError(fmt.Sprintf("lineItems[%d].unitAmountCents", i), "cannot be negative")
		}
	}
	return nil
}

// Result is what a provider returns for a successfully started payment.
type Result struct {
	Provider      Provider       `json:"provider"`
	TransactionID string         `json:"transactionId"`
	Status        string         `json:"status"`
	RedirectURL   string         `json:"redirectUrl,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Attempt is one run of the fallback manager for an order.
type Attempt struct {
	ID                 string
	Order              OrderData
	PreferredProvider  *Provider
	Status             AttemptStatus
	SuccessfulProvider *Provider
	Result             *Result
	ErrorMessage       *string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// NewAttempt creates a started payment attempt
func NewAttempt(order OrderData, preferred *Provider) *Attempt {
	return &Attempt{
		ID:                "pay_" + uuid.New().String(),
		Order:             order,
		PreferredProvider: preferred,
		Status:            StatusStarted,
		CreatedAt:         time.Now(),
	}
}

// MarkSuccess completes the attempt with the provider that took the payment
func (a *Attempt) MarkSuccess(provider Provider, result *Result) error {
	if err := a.complete(StatusSuccess); err != nil {
		return err
	}
	a.SuccessfulProvider = &provider
	a.Result = result
	return nil
}

// MarkFailed completes the attempt as failed
func (a *Attempt) MarkFailed(errorMsg string) error {
	if err := a.complete(StatusFailed); err != nil {
		return err
	}
	a.ErrorMessage = &errorMsg
	return nil
}

// IsTerminal reports whether the attempt has completed
func (a *Attempt) IsTerminal() bool {
	return a.Status != StatusStarted
}

func (a *Attempt) complete(status AttemptStatus) error {
	if a.IsTerminal() {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition from "+string(a.Status)+" to "+string(status),
			errors.ErrInvalidStateTransition,
		)
	}
	now := time.Now()
	a.Status = status
	a.CompletedAt = &now
	return nil
}

// ProviderFailure is a row of the provider failure log.
type ProviderFailure struct {
	ID           int64
	AttemptID    *string
	Provider     Provider
	Operation    string
	ErrorMessage string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// RetryRecord logs one delayed retry of a provider call.
type RetryRecord struct {
	AttemptID    string
	Provider     Provider
	RetryNumber  int
	Delay        time.Duration
	ErrorMessage string
	CreatedAt    time.Time
}

// SessionStatus is the status of a provider-side checkout session or order
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionCompleted SessionStatus = "completed"
	SessionCaptured  SessionStatus = "captured"
	SessionFailed    SessionStatus = "failed"
	SessionRefunded  SessionStatus = "refunded"
)

// ProviderSession tracks a Stripe checkout session or PayPal order.
type ProviderSession struct {
	Provider    Provider
	SessionID   string
	AttemptID   string
	AmountCents int64
	Currency    string
	Status      SessionStatus
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Refund records a refund issued through a provider.
type Refund struct {
	ID            string
	Provider      Provider
	TransactionID string
	AmountCents   *int64
	Currency      string
	Reason        string
	Status        string
	CreatedAt     time.Time
}

// ParseProvider validates a provider name
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderStripe, ProviderPayPal, ProviderCrypto:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", errors.ErrProviderNotFound, s)
	}
}

func validateAmount(amount Amount) error {
	if amount.ValueCents <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if amount.Currency == "" {
		return errors.NewValidationError("currency", "cannot be empty")
	}
	// Simple currency validation (3-letter code)
	if len(amount.Currency) != 3 {
		return errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	return nil
}
