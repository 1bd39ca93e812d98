package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	BaseURL      string
	BrandName    string
	StoreBaseURL string
	Timeout      time.Duration
}

// PayPalProvider takes payments through PayPal Orders v2.
type PayPalProvider struct {
	api       jsonCaller
	oauth     *clientcredentials.Config
	tokenHTTP *http.Client
	baseURL   string
	webhookID string
	brandName string
	storeURL  string
}

func NewPayPalProvider(cfg PayPalConfig) *PayPalProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BrandName == "" {
		cfg.BrandName = "Midas Technical Solutions"
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     baseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenHTTP := &http.Client{Timeout: cfg.Timeout}
	client := cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, tokenHTTP))
	client.Timeout = cfg.Timeout

	return &PayPalProvider{
		api:       jsonCaller{client: client, provider: string(payment.ProviderPayPal)},
		oauth:     cc,
		tokenHTTP: tokenHTTP,
		baseURL:   baseURL,
		webhookID: cfg.WebhookID,
		brandName: cfg.BrandName,
		storeURL:  strings.TrimRight(cfg.StoreBaseURL, "/"),
	}
}

func (p *PayPalProvider) Name() payment.Provider { return payment.ProviderPayPal }

func (p *PayPalProvider) Priority() int { return PriorityPayPal }

// HealthCheck obtains a fresh access token.
func (p *PayPalProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.oauth.Token(context.WithValue(ctx, oauth2.HTTPClient, p.tokenHTTP)); err != nil {
		return p.api.transportError(payment.OpHealthCheck, err)
	}
	return nil
}

type paypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalBreakdown struct {
	ItemTotal paypalMoney  `json:"item_total"`
	Shipping  *paypalMoney `json:"shipping,omitempty"`
	TaxTotal  *paypalMoney `json:"tax_total,omitempty"`
}

type paypalAmount struct {
	paypalMoney
	Breakdown *paypalBreakdown `json:"breakdown,omitempty"`
}

type paypalItem struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	SKU         string      `json:"sku,omitempty"`
	UnitAmount  paypalMoney `json:"unit_amount"`
	Quantity    string      `json:"quantity"`
	Category    string      `json:"category"`
}

type paypalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id"`
	CustomID    string       `json:"custom_id,omitempty"`
	Description string       `json:"description,omitempty"`
	Amount      paypalAmount `json:"amount"`
	Items       []paypalItem `json:"items,omitempty"`
}

type paypalApplicationContext struct {
	BrandName          string `json:"brand_name"`
	LandingPage        string `json:"landing_page"`
	UserAction         string `json:"user_action"`
	ShippingPreference string `json:"shipping_preference"`
	ReturnURL          string `json:"return_url"`
	CancelURL          string `json:"cancel_url"`
}

type paypalOrderRequest struct {
	Intent             string                   `json:"intent"`
	PurchaseUnits      []paypalPurchaseUnit     `json:"purchase_units"`
	ApplicationContext paypalApplicationContext `json:"application_context"`
}

type paypalLink struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type paypalOrder struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Links         []paypalLink `json:"links"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		Payments    struct {
			Captures []struct {
				ID     string      `json:"id"`
				Status string      `json:"status"`
				Amount paypalMoney `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func formatMoney(cents int64, currency string) paypalMoney {
	return paypalMoney{
		CurrencyCode: strings.ToUpper(currency),
		Value:        decimal.New(cents, -2).StringFixed(2),
	}
}

func parseMoneyCents(value string) int64 {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0
	}
	return d.Shift(2).Round(0).IntPart()
}

func (p *PayPalProvider) orderRequest(req ProcessRequest) paypalOrderRequest {
	order := req.Order
	unit := paypalPurchaseUnit{
		ReferenceID: order.OrderID,
		CustomID:    req.AttemptID,
		Description: "MDTS order " + order.OrderID,
		Amount:      paypalAmount{paypalMoney: formatMoney(order.AmountCents, order.Currency)},
	}

	// PayPal rejects items whose sum differs from the breakdown.
	if order.HasBreakdown() {
		breakdown := &paypalBreakdown{ItemTotal: formatMoney(order.ItemTotalCents(), order.Currency)}
		if order.ShippingCents > 0 {
			m := formatMoney(order.ShippingCents, order.Currency)
			breakdown.Shipping = &m
		}
		if order.TaxCents > 0 {
			m := formatMoney(order.TaxCents, order.Currency)
			breakdown.TaxTotal = &m
		}
		unit.Amount.Breakdown = breakdown
		unit.Items = lo.Map(order.LineItems, func(item payment.LineItem, _ int) paypalItem {
			return paypalItem{
				Name:        item.Name,
				Description: item.Description,
				SKU:         item.SKU,
				UnitAmount:  formatMoney(item.UnitAmountCents, order.Currency),
				Quantity:    fmt.Sprintf("%d", item.Quantity),
				Category:    "PHYSICAL_GOODS",
			}
		})
	}

	shipping := "NO_SHIPPING"
	if order.RequiresShipping {
		shipping = "GET_FROM_FILE"
	}

	return paypalOrderRequest{
		Intent:        "CAPTURE",
		PurchaseUnits: []paypalPurchaseUnit{unit},
		ApplicationContext: paypalApplicationContext{
			BrandName:          p.brandName,
			LandingPage:        "BILLING",
			UserAction:         "PAY_NOW",
			ShippingPreference: shipping,
			ReturnURL:          p.storeURL + "/checkout/paypal/success",
			CancelURL:          p.storeURL + "/checkout/paypal/cancel",
		},
	}
}

// Process creates a CAPTURE order and returns its approval URL.
func (p *PayPalProvider) Process(ctx context.Context, req ProcessRequest) (*payment.Result, error) {
	var order paypalOrder
	if err := p.api.do(ctx, payment.OpCreateOrder, http.MethodPost, p.baseURL+"/v2/checkout/orders", p.orderRequest(req), &order); err != nil {
		return nil, err
	}

	approve, ok := lo.Find(order.Links, func(l paypalLink) bool { return l.Rel == "approve" || l.Rel == "payer-action" })
	if !ok {
		return nil, domainErrors.NewProviderError(string(p.Name()), payment.OpCreateOrder, domainErrors.KindPermanent,
			fmt.Errorf("order %s has no approval link", order.ID))
	}

	return &payment.Result{
		Provider:      p.Name(),
		TransactionID: order.ID,
		Status:        string(payment.SessionCreated),
		RedirectURL:   approve.Href,
		Details:       map[string]any{"orderId": order.ID, "paypalStatus": order.Status},
	}, nil
}

// CaptureResult is the outcome of capturing an approved order.
type CaptureResult struct {
	OrderID     string
	CaptureID   string
	Status      string
	AmountCents int64
	Currency    string
}

// CaptureOrder captures the funds of an approved order.
func (p *PayPalProvider) CaptureOrder(ctx context.Context, orderID string) (*CaptureResult, error) {
	var order paypalOrder
	endpoint := fmt.Sprintf("%s/v2/checkout/orders/%s/capture", p.baseURL, url.PathEscape(orderID))
	if err := p.api.do(ctx, payment.OpCaptureOrder, http.MethodPost, endpoint, struct{}{}, &order); err != nil {
		return nil, err
	}

	res := &CaptureResult{OrderID: order.ID, Status: order.Status}
	if len(order.PurchaseUnits) > 0 && len(order.PurchaseUnits[0].Payments.Captures) > 0 {
		c := order.PurchaseUnits[0].Payments.Captures[0]
		res.CaptureID = c.ID
		res.AmountCents = parseMoneyCents(c.Amount.Value)
		res.Currency = c.Amount.CurrencyCode
	}
	return res, nil
}

// Refund refunds a capture. TransactionID is the capture id.
func (p *PayPalProvider) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	body := map[string]any{}
	if req.AmountCents != nil {
		body["amount"] = formatMoney(*req.AmountCents, req.Currency)
	}
	if req.Reason != "" {
		body["note_to_payer"] = req.Reason
	}

	var out struct {
		ID     string      `json:"id"`
		Status string      `json:"status"`
		Amount paypalMoney `json:"amount"`
	}
	endpoint := fmt.Sprintf("%s/v2/payments/captures/%s/refund", p.baseURL, url.PathEscape(req.TransactionID))
	if err := p.api.do(ctx, payment.OpRefund, http.MethodPost, endpoint, body, &out); err != nil {
		return nil, err
	}
	return &RefundResult{RefundID: out.ID, Status: strings.ToLower(out.Status), AmountCents: parseMoneyCents(out.Amount.Value)}, nil
}

// WebhookSignature carries the PayPal transmission headers of a webhook.
// CertID comes from paypal-cert-id and CertURL from paypal-cert-url; at least
// one is set.
type WebhookSignature struct {
	AuthAlgo         string
	CertID           string
	CertURL          string
	TransmissionID   string
	TransmissionSig  string
	TransmissionTime string
}

// VerifyWebhookSignature asks PayPal to verify a webhook. It returns false
// unless PayPal reports SUCCESS.
func (p *PayPalProvider) VerifyWebhookSignature(ctx context.Context, sig WebhookSignature, event []byte) (bool, error) {
	if p.webhookID == "" {
		return false, fmt.Errorf("paypal webhook id not configured")
	}

	body := map[string]any{
		"auth_algo":         sig.AuthAlgo,
		"transmission_id":   sig.TransmissionID,
		"transmission_sig":  sig.TransmissionSig,
		"transmission_time": sig.TransmissionTime,
		"webhook_id":        p.webhookID,
		"webhook_event":     json.RawMessage(event),
	}
	if sig.CertID != "" {
		body["cert_id"] = sig.CertID
	}
	if sig.CertURL != "" {
		body["cert_url"] = sig.CertURL
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.api.do(ctx, payment.OpWebhook, http.MethodPost, p.baseURL+"/v1/notifications/verify-webhook-signature", body, &out); err != nil {
		return false, err
	}
	return out.VerificationStatus == "SUCCESS", nil
}
