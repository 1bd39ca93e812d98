package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStripe(t *testing.T, handler http.HandlerFunc) *StripeProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewStripeProvider(StripeConfig{
		SecretKey:    "sk_test_123",
		APIURL:       srv.URL,
		Timeout:      2 * time.Second,
		StoreBaseURL: "https://shop.example.com/",
	})
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	return p
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestStripeProvider_Process(t *testing.T) {
	var form map[string]string
	p := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		form = make(map[string]string)
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		writeJSON(w, http.StatusOK, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1","status":"open"}`)
	})

	order := testOrder()
	order.RequiresShipping = true
	order.Metadata = map[string]string{"source": "storefront"}

	result, err := p.Process(context.Background(), ProcessRequest{AttemptID: "pay_1", Order: order})
	require.NoError(t, err)

	assert.Equal(t, payment.ProviderStripe, result.Provider)
	assert.Equal(t, "cs_test_1", result.TransactionID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", result.RedirectURL)
	assert.Equal(t, "created", result.Status)

	assert.Equal(t, "payment", form["mode"])
	assert.Equal(t, "usd", form["line_items[0][price_data][currency]"])
	assert.Equal(t, "12999", form["line_items[0][price_data][unit_amount]"])
	assert.Equal(t, "iPhone 13 Screen", form["line_items[0][price_data][product_data][name]"])
	assert.Equal(t, "1", form["line_items[0][quantity]"])
	assert.Equal(t, "buyer@example.com", form["customer_email"])
	assert.Equal(t, "pay_1", form["metadata[payment_attempt_id]"])
	assert.Equal(t, "order-1001", form["metadata[order_id]"])
	assert.Equal(t, "storefront", form["metadata[source]"])
	assert.Equal(t, "https://shop.example.com/checkout/cancel", form["cancel_url"])
	assert.Equal(t, "1700001800", form["expires_at"])
	assert.Equal(t, "US", form["shipping_address_collection[allowed_countries][0]"])
	assert.Equal(t, "1500", form["shipping_options[1][shipping_rate_data][fixed_amount][amount]"])
}

func TestStripeProvider_Process_UnsupportedCurrency(t *testing.T) {
	p := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("stripe must not be called")
	})

	order := testOrder()
	order.Currency = "JPY"
	_, err := p.Process(context.Background(), ProcessRequest{AttemptID: "pay_1", Order: order})

	require.Error(t, err)
	assert.ErrorIs(t, err, domainErrors.ErrUnsupportedCurrency)
	assert.False(t, domainErrors.IsRetryable(err))
}

func TestStripeProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"server error", http.StatusInternalServerError, `{"error":{"type":"api_error","message":"boom"}}`, true},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"type":"invalid_request_error","message":"Too many requests"}}`, true},
		{"card declined", http.StatusPaymentRequired, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`, false},
		{"bad request", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"Invalid email"}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := p.Process(context.Background(), ProcessRequest{AttemptID: "pay_1", Order: testOrder()})
			require.Error(t, err)

			var pe *domainErrors.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, payment.OpCreateCheckoutSession, pe.Op)
			assert.Equal(t, tt.retryable, domainErrors.IsRetryable(err))
		})
	}
}

func TestStripeProvider_HealthCheck(t *testing.T) {
	healthy := true
	p := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/balance", r.URL.Path)
		if healthy {
			writeJSON(w, http.StatusOK, `{"object":"balance","available":[],"pending":[],"livemode":false}`)
			return
		}
		writeJSON(w, http.StatusUnauthorized, `{"error":{"type":"invalid_request_error","message":"Invalid API Key provided"}}`)
	})

	assert.NoError(t, p.HealthCheck(context.Background()))

	healthy = false
	err := p.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid API Key")
}

func TestStripeProvider_Refund(t *testing.T) {
	var form map[string]string
	p := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = map[string]string{
			"payment_intent": r.PostForm.Get("payment_intent"),
			"charge":         r.PostForm.Get("charge"),
			"amount":         r.PostForm.Get("amount"),
			"reason":         r.PostForm.Get("reason"),
			"metadata":       r.PostForm.Get("metadata[reason]"),
		}
		writeJSON(w, http.StatusOK, `{"id":"re_1","object":"refund","status":"succeeded","amount":500}`)
	})

	amount := int64(500)
	result, err := p.Refund(context.Background(), RefundRequest{TransactionID: "pi_123", AmountCents: &amount, Reason: "damaged in transit"})
	require.NoError(t, err)
	assert.Equal(t, "re_1", result.RefundID)
	assert.Equal(t, "succeeded", result.Status)
	assert.Equal(t, int64(500), result.AmountCents)

	assert.Equal(t, "pi_123", form["payment_intent"])
	assert.Equal(t, "500", form["amount"])
	assert.Equal(t, "requested_by_customer", form["reason"])
	assert.Equal(t, "damaged in transit", form["metadata"])

	_, err = p.Refund(context.Background(), RefundRequest{TransactionID: "ch_9", Reason: "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, "ch_9", form["charge"])
	assert.Equal(t, "", form["payment_intent"])
	assert.Equal(t, "duplicate", form["reason"])
}
