package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePayPal struct {
	tokenStatus  int32
	tokenCalls   int32
	lastBody     map[string]any
	verifyStatus string
	orderStatus  int
}

func (f *fakePayPal) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/oauth2/token" {
			atomic.AddInt32(&f.tokenCalls, 1)
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "client-id", user)
			assert.Equal(t, "client-secret", pass)
			if status := atomic.LoadInt32(&f.tokenStatus); status != 0 {
				writeJSON(w, int(status), `{"error":"invalid_client","error_description":"Client Authentication failed"}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"access_token":"A21AA","token_type":"Bearer","expires_in":32400}`)
			return
		}

		assert.Equal(t, "Bearer A21AA", r.Header.Get("Authorization"))
		f.lastBody = nil
		_ = json.NewDecoder(r.Body).Decode(&f.lastBody)

		switch r.URL.Path {
		case "/v2/checkout/orders":
			if f.orderStatus != 0 {
				writeJSON(w, f.orderStatus, `{"name":"INTERNAL_SERVER_ERROR","message":"An internal server error occurred"}`)
				return
			}
			writeJSON(w, http.StatusCreated, `{"id":"5O190127TN364715T","status":"CREATED","links":[
				{"href":"https://api.sandbox.paypal.com/v2/checkout/orders/5O190127TN364715T","rel":"self","method":"GET"},
				{"href":"https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T","rel":"approve","method":"GET"}]}`)
		case "/v2/checkout/orders/5O190127TN364715T/capture":
			writeJSON(w, http.StatusCreated, `{"id":"5O190127TN364715T","status":"COMPLETED","purchase_units":[
				{"reference_id":"order-1001","payments":{"captures":[{"id":"3C679366HH908993F","status":"COMPLETED","amount":{"currency_code":"USD","value":"129.99"}}]}}]}`)
		case "/v2/payments/captures/3C679366HH908993F/refund":
			writeJSON(w, http.StatusCreated, `{"id":"1JU08902781691411","status":"COMPLETED","amount":{"currency_code":"USD","value":"10.00"}}`)
		case "/v1/notifications/verify-webhook-signature":
			writeJSON(w, http.StatusOK, `{"verification_status":"`+f.verifyStatus+`"}`)
		default:
			http.NotFound(w, r)
		}
	}
}

func newTestPayPal(t *testing.T, fake *fakePayPal) *PayPalProvider {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewPayPalProvider(PayPalConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		WebhookID:    "WH-ID-1",
		BaseURL:      srv.URL + "/",
		StoreBaseURL: "https://shop.example.com",
		Timeout:      2 * time.Second,
	})
}

func TestPayPalProvider_Process(t *testing.T) {
	fake := &fakePayPal{}
	p := newTestPayPal(t, fake)

	order := testOrder()
	order.LineItems = append(order.LineItems, payment.LineItem{Name: "Battery", SKU: "BAT-1", UnitAmountCents: 1500, Quantity: 2})
	order.ShippingCents = 1000
	order.TaxCents = 250
	order.AmountCents = 12999 + 3000 + 1000 + 250
	order.RequiresShipping = true

	result, err := p.Process(context.Background(), ProcessRequest{AttemptID: "pay_1", Order: order})
	require.NoError(t, err)
	assert.Equal(t, payment.ProviderPayPal, result.Provider)
	assert.Equal(t, "5O190127TN364715T", result.TransactionID)
	assert.Equal(t, "https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T", result.RedirectURL)

	body := fake.lastBody
	assert.Equal(t, "CAPTURE", body["intent"])
	appCtx := body["application_context"].(map[string]any)
	assert.Equal(t, "PAY_NOW", appCtx["user_action"])
	assert.Equal(t, "GET_FROM_FILE", appCtx["shipping_preference"])
	assert.Equal(t, "https://shop.example.com/checkout/paypal/success", appCtx["return_url"])

	unit := body["purchase_units"].([]any)[0].(map[string]any)
	assert.Equal(t, "order-1001", unit["reference_id"])
	assert.Equal(t, "pay_1", unit["custom_id"])
	amount := unit["amount"].(map[string]any)
	assert.Equal(t, "172.49", amount["value"])
	assert.Equal(t, "USD", amount["currency_code"])
	breakdown := amount["breakdown"].(map[string]any)
	assert.Equal(t, "159.99", breakdown["item_total"].(map[string]any)["value"])
	assert.Equal(t, "10.00", breakdown["shipping"].(map[string]any)["value"])
	assert.Equal(t, "2.50", breakdown["tax_total"].(map[string]any)["value"])
	items := unit["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "2", items[1].(map[string]any)["quantity"])
}

func TestPayPalProvider_Process_NoBreakdownWhenTotalsDiffer(t *testing.T) {
	fake := &fakePayPal{}
	p := newTestPayPal(t, fake)

	order := testOrder()
	order.AmountCents = 14000

	_, err := p.Process(context.Background(), ProcessRequest{AttemptID: "pay_1", Order: order})
	require.NoError(t, err)

	unit := fake.lastBody["purchase_units"].([]any)[0].(map[string]any)
	assert.NotContains(t, unit, "items")
	assert.NotContains(t, unit["amount"].(map[string]any), "breakdown")
	assert.Equal(t, "NO_SHIPPING", fake.lastBody["application_context"].(map[string]any)["shipping_preference"])
}

func TestPayPalProvider_Process_ServerError(t *testing.T) {
	p := newTestPayPal(t, &fakePayPal{orderStatus: http.StatusServiceUnavailable})

	_, err := p.Process(context.Background(), ProcessRequest{AttemptID: "pay_1", Order: testOrder()})
	require.Error(t, err)
	assert.True(t, domainErrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "status 503")
}

func TestPayPalProvider_HealthCheck(t *testing.T) {
	fake := &fakePayPal{}
	p := newTestPayPal(t, fake)

	require.NoError(t, p.HealthCheck(context.Background()))
	require.NoError(t, p.HealthCheck(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.tokenCalls))

	atomic.StoreInt32(&fake.tokenStatus, http.StatusUnauthorized)
	err := p.HealthCheck(context.Background())
	require.Error(t, err)
	assert.False(t, domainErrors.IsRetryable(err))
}

func TestPayPalProvider_CaptureAndRefund(t *testing.T) {
	p := newTestPayPal(t, &fakePayPal{})

	capture, err := p.CaptureOrder(context.Background(), "5O190127TN364715T")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", capture.Status)
	assert.Equal(t, "3C679366HH908993F", capture.CaptureID)
	assert.Equal(t, int64(12999), capture.AmountCents)

	amount := int64(1000)
	refund, err := p.Refund(context.Background(), RefundRequest{TransactionID: capture.CaptureID, AmountCents: &amount, Currency: "usd", Reason: "return"})
	require.NoError(t, err)
	assert.Equal(t, "1JU08902781691411", refund.RefundID)
	assert.Equal(t, "completed", refund.Status)
	assert.Equal(t, int64(1000), refund.AmountCents)
}

func TestPayPalProvider_VerifyWebhookSignature(t *testing.T) {
	fake := &fakePayPal{verifyStatus: "SUCCESS"}
	p := newTestPayPal(t, fake)
	sig := WebhookSignature{AuthAlgo: "SHA256withRSA", CertID: "CERT-360caa42", TransmissionID: "t-1", TransmissionSig: "sig", TransmissionTime: "2024-01-01T00:00:00Z"}

	ok, err := p.VerifyWebhookSignature(context.Background(), sig, []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "WH-ID-1", fake.lastBody["webhook_id"])
	assert.Equal(t, "WH-1", fake.lastBody["webhook_event"].(map[string]any)["id"])
	assert.Equal(t, "CERT-360caa42", fake.lastBody["cert_id"])
	assert.NotContains(t, fake.lastBody, "cert_url")

	sig.CertID, sig.CertURL = "", "https://api.paypal.com/v1/notifications/certs/CERT-360caa42"
	_, err = p.VerifyWebhookSignature(context.Background(), sig, []byte(`{"id":"WH-1"}`))
	require.NoError(t, err)
	assert.Equal(t, sig.CertURL, fake.lastBody["cert_url"])
	assert.NotContains(t, fake.lastBody, "cert_id")

	fake.verifyStatus = "FAILURE"
	ok, err = p.VerifyWebhookSignature(context.Background(), sig, []byte(`{"id":"WH-1"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}
