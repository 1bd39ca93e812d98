package controller

import (
	"time"

	"github.com/midastechnical/mdts-payments/internal/domain/crypto"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/midastechnical/mdts-payments/internal/service"
	"github.com/samber/lo"
)

// --- Request DTOs ---
// Controllers convert these to domain and service types before calling the services.

// LineItemRequest is one order line.
type LineItemRequest struct {
	Name            string `json:"name" validate:"required"`
	Description     string `json:"description,omitempty"`
	SKU             string `json:"sku,omitempty"`
	UnitAmountCents int64  `json:"unitAmountCents" validate:"gte=0"`
	Quantity        int64  `json:"quantity" validate:"gt=0"`
}

// CustomerRequest holds the buyer details.
type CustomerRequest struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// OrderRequest is the order a payment is taken for.
type OrderRequest struct {
	OrderID          string            `json:"orderId" validate:"required,max=255"`
	AmountCents      int64             `json:"amountCents" validate:"gt=0"`
	Currency         string            `json:"currency" validate:"required,len=3"`
	LineItems        []LineItemRequest `json:"lineItems" validate:"dive"`
	Customer         CustomerRequest   `json:"customer"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CryptoType       string            `json:"cryptoType,omitempty" validate:"omitempty,oneof=bitcoin ethereum usdt usdc"`
	RequiresShipping bool              `json:"requiresShipping,omitempty"`
	ShippingCents    int64             `json:"shippingCents,omitempty" validate:"gte=0"`
	TaxCents         int64             `json:"taxCents,omitempty" validate:"gte=0"`
}

// ProcessPaymentRequest holds the input for POST /api/v1/payments.
type ProcessPaymentRequest struct {
	OrderData         OrderRequest `json:"orderData"`
	PreferredProvider string       `json:"preferredProvider,omitempty" validate:"omitempty,oneof=stripe paypal crypto"`
}

// CreateRefundRequest holds the input for POST /api/v1/refunds.
type CreateRefundRequest struct {
	Provider      string `json:"provider" validate:"required,oneof=stripe paypal crypto"`
	TransactionID string `json:"transactionId" validate:"required"`
	AmountCents   *int64 `json:"amountCents,omitempty" validate:"omitempty,gt=0"`
	Currency      string `json:"currency,omitempty" validate:"omitempty,len=3"`
	Reason        string `json:"reason,omitempty" validate:"omitempty,max=255"`
}

func (o OrderRequest) toDomain() payment.OrderData {
	return payment.OrderData{
		OrderID:     o.OrderID,
		AmountCents: o.AmountCents,
		Currency:    o.Currency,
		LineItems: lo.Map(o.LineItems, func(li LineItemRequest, _ int) payment.LineItem {
			return payment.LineItem{
				Name:            li.Name,
				Description:     li.Description,
				SKU:             li.SKU,
				UnitAmountCents: li.UnitAmountCents,
				Quantity:        li.Quantity,
			}
		}),
		Customer: payment.Customer{
			ID:        o.Customer.ID,
			Email:     o.Customer.Email,
			FirstName: o.Customer.FirstName,
			LastName:  o.Customer.LastName,
			Phone:     o.Customer.Phone,
		},
		Metadata:         o.Metadata,
		CryptoType:       o.CryptoType,
		RequiresShipping: o.RequiresShipping,
		ShippingCents:    o.ShippingCents,
		TaxCents:         o.TaxCents,
	}
}

// --- Response DTOs ---

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ProviderFailureResponse is one row of an attempt's failure log.
type ProviderFailureResponse struct {
	Provider  string         `json:"provider"`
	Operation string         `json:"operation"`
	Error     string         `json:"error"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AttemptResponse represents a payment attempt in API responses.
type AttemptResponse struct {
	ID                 string                    `json:"id"`
	OrderID            string                    `json:"orderId"`
	AmountCents        int64                     `json:"amountCents"`
	Currency           string                    `json:"currency"`
	Status             string                    `json:"status"`
	PreferredProvider  *payment.Provider         `json:"preferredProvider,omitempty"`
	SuccessfulProvider *payment.Provider         `json:"successfulProvider,omitempty"`
	Result             *payment.Result           `json:"result,omitempty"`
	Error              *string                   `json:"error,omitempty"`
	Failures           []ProviderFailureResponse `json:"failures"`
	CreatedAt          time.Time                 `json:"createdAt"`
	CompletedAt        *time.Time                `json:"completedAt,omitempty"`
}

// WebhookResponse acknowledges a processed webhook.
type WebhookResponse struct {
	Received  bool   `json:"received"`
	WebhookID string `json:"webhookId"`
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Status    string `json:"status"`
}

// CurrencyResponse is a supported cryptocurrency with its current rate, if known.
type CurrencyResponse struct {
	crypto.Currency
	Rate *string `json:"rate,omitempty"`
	Fiat string  `json:"fiat,omitempty"`
}

// CryptoPaymentResponse represents a crypto payment and its confirmation state.
type CryptoPaymentResponse struct {
	ID                    string     `json:"id"`
	OrderID               string     `json:"orderId"`
	CryptoType            string     `json:"cryptoType"`
	Symbol                string     `json:"symbol"`
	Amount                string     `json:"amount"`
	FiatAmountCents       int64      `json:"fiatAmountCents"`
	FiatCurrency          string     `json:"fiatCurrency"`
	ExchangeRate          string     `json:"exchangeRate"`
	PaymentAddress        string     `json:"paymentAddress"`
	PaymentURI            string     `json:"paymentUri"`
	Status                string     `json:"status"`
	Confirmations         int        `json:"confirmations"`
	RequiredConfirmations int        `json:"requiredConfirmations"`
	TransactionHash       *string    `json:"transactionHash,omitempty"`
	TransactionURL        string     `json:"transactionUrl,omitempty"`
	ExpiresAt             time.Time  `json:"expiresAt"`
	LastChecked           *time.Time `json:"lastChecked,omitempty"`
}

// RefundResponse represents an issued refund.
type RefundResponse struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"`
	TransactionID string `json:"transactionId"`
	AmountCents   *int64 `json:"amountCents,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Status        string `json:"status"`
}

func toAttemptResponse(a *payment.Attempt, failures []*payment.ProviderFailure) AttemptResponse {
	return AttemptResponse{
		ID:                 a.ID,
		OrderID:            a.Order.OrderID,
		AmountCents:        a.Order.AmountCents,
		Currency:           a.Order.Currency,
		Status:             string(a.Status),
		PreferredProvider:  a.PreferredProvider,
		SuccessfulProvider: a.SuccessfulProvider,
		Result:             a.Result,
		Error:              a.ErrorMessage,
		Failures: lo.Map(failures, func(f *payment.ProviderFailure, _ int) ProviderFailureResponse {
			return ProviderFailureResponse{
				Provider:  string(f.Provider),
				Operation: f.Operation,
				Error:     f.ErrorMessage,
				Metadata:  f.Metadata,
				CreatedAt: f.CreatedAt,
			}
		}),
		CreatedAt:   a.CreatedAt,
		CompletedAt: a.CompletedAt,
	}
}

func toCryptoPaymentResponse(st *service.CryptoStatus) CryptoPaymentResponse {
	p, c := st.Payment, st.Currency
	return CryptoPaymentResponse{
		ID:                    p.ID.String(),
		OrderID:               p.OrderID,
		CryptoType:            p.CryptoType,
		Symbol:                c.Symbol,
		Amount:                p.CryptoAmount.String(),
		FiatAmountCents:       p.FiatAmountCents,
		FiatCurrency:          p.FiatCurrency,
		ExchangeRate:          p.ExchangeRate.String(),
		PaymentAddress:        p.PaymentAddress,
		PaymentURI:            crypto.PaymentURI(c, p.PaymentAddress, p.CryptoAmount),
		Status:                string(p.Status),
		Confirmations:         p.Confirmations,
		RequiredConfirmations: c.ConfirmationsRequired,
		TransactionHash:       p.TransactionHash,
		TransactionURL:        st.TransactionURL(),
		ExpiresAt:             p.ExpiresAt,
		LastChecked:           p.LastChecked,
	}
}
