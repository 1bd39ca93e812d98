package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/samber/lo"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

var defaultStripeCurrencies = []string{"usd", "cad", "eur", "gbp"}

var shippingCountries = []string{"US", "CA", "GB", "AU", "DE", "FR", "IT", "ES"}

type StripeConfig struct {
	SecretKey string
	// APIURL overrides https://api.stripe.com.
	APIURL            string
	Timeout           time.Duration
	MaxNetworkRetries int64
	Currencies        []string
	SessionExpiry     time.Duration
	StoreBaseURL      string
}

// StripeProvider takes payments through Stripe Checkout.
type StripeProvider struct {
	api        *client.API
	currencies map[string]bool
	expiry     time.Duration
	storeURL   string
	now        func() time.Time
}

func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = 30 * time.Minute
	}
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = defaultStripeCurrencies
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, stripe.NewBackendsWithConfig(backendCfg))

	return &StripeProvider{
		api:        api,
		currencies: lo.SliceToMap(cfg.Currencies, func(c string) (string, bool) { return strings.ToLower(c), true }),
		expiry:     cfg.SessionExpiry,
		storeURL:   strings.TrimRight(cfg.StoreBaseURL, "/"),
		now:        time.Now,
	}
}

func (p *StripeProvider) Name() payment.Provider { return payment.ProviderStripe }

func (p *StripeProvider) Priority() int { return PriorityStripe }

// HealthCheck retrieves the account balance.
func (p *StripeProvider) HealthCheck(ctx context.Context) error {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	if _, err := p.api.Balance.Get(params); err != nil {
		return p.classify(payment.OpHealthCheck, err)
	}
	return nil
}

// Process creates a Checkout Session and returns its hosted URL.
func (p *StripeProvider) Process(ctx context.Context, req ProcessRequest) (*payment.Result, error) {
	order := req.Order
	currency := strings.ToLower(order.Currency)
	if !p.currencies[currency] {
		return nil, domainErrors.NewProviderError(string(p.Name()), payment.OpCreateCheckoutSession, domainErrors.KindPermanent,
			fmt.Errorf("%w: %s", domainErrors.ErrUnsupportedCurrency, order.Currency))
	}

	params := &stripe.CheckoutSessionParams{
		Mode:                     stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems:                stripeLineItems(order, currency),
		ClientReferenceID:        stripe.String(order.OrderID),
		SuccessURL:               stripe.String(p.storeURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:                stripe.String(p.storeURL + "/checkout/cancel"),
		ExpiresAt:                stripe.Int64(p.now().Add(p.expiry).Unix()),
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionRequired)),
		AllowPromotionCodes:      stripe.Bool(true),
	}
	params.Context = ctx
	if order.Customer.Email != "" {
		params.CustomerEmail = stripe.String(order.Customer.Email)
	}
	if order.RequiresShipping {
		params.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(shippingCountries),
		}
		params.ShippingOptions = []*stripe.CheckoutSessionShippingOptionParams{
			shippingOption("Standard Shipping", 0, currency, 5, 7),
			shippingOption("Express Shipping", 1500, currency, 1, 3),
		}
	}
	for k, v := range order.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("order_id", order.OrderID)
	params.AddMetadata("payment_attempt_id", req.AttemptID)

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, p.classify(payment.OpCreateCheckoutSession, err)
	}

	return &payment.Result{
		Provider:      p.Name(),
		TransactionID: sess.ID,
		Status:        string(payment.SessionCreated),
		RedirectURL:   sess.URL,
		Details: map[string]any{
			"sessionId": sess.ID,
			"expiresAt": time.Unix(*params.ExpiresAt, 0).UTC().Format(time.RFC3339),
		},
	}, nil
}

// Refund refunds a PaymentIntent, or a charge when given a ch_ id.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	params := &stripe.RefundParams{}
	params.Context = ctx
	if strings.HasPrefix(req.TransactionID, "ch_") {
		params.Charge = stripe.String(req.TransactionID)
	} else {
		params.PaymentIntent = stripe.String(req.TransactionID)
	}
	if req.AmountCents != nil {
		params.Amount = stripe.Int64(*req.AmountCents)
	}
	switch stripe.RefundReason(req.Reason) {
	case stripe.RefundReasonDuplicate, stripe.RefundReasonFraudulent, stripe.RefundReasonRequestedByCustomer:
		params.Reason = stripe.String(req.Reason)
	case "":
		params.Reason = stripe.String(string(stripe.RefundReasonRequestedByCustomer))
	default:
		params.Reason = stripe.String(string(stripe.RefundReasonRequestedByCustomer))
		params.AddMetadata("reason", req.Reason)
	}

	r, err := p.api.Refunds.New(params)
	if err != nil {
		return nil, p.classify(payment.OpRefund, err)
	}
	return &RefundResult{RefundID: r.ID, Status: string(r.Status), AmountCents: r.Amount}, nil
}

func (p *StripeProvider) classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		kind := domainErrors.KindForStatus(se.HTTPStatusCode)
		if kind == domainErrors.KindUnknown {
			kind = domainErrors.KindPermanent
		}
		msg := se.Msg
		if msg == "" {
			msg = string(se.Type)
		}
		pe := domainErrors.NewProviderError(string(p.Name()), op, kind, errors.New(msg))
		pe.StatusCode = se.HTTPStatusCode
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return domainErrors.NewProviderError(string(p.Name()), op, domainErrors.KindPermanent, err)
	}
	return domainErrors.NewProviderError(string(p.Name()), op, domainErrors.KindRetryable, err)
}

func stripeLineItems(order payment.OrderData, currency string) []*stripe.CheckoutSessionLineItemParams {
	if len(order.LineItems) == 0 {
		return []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String("Order " + order.OrderID)},
				UnitAmount:  stripe.Int64(order.AmountCents),
			},
			Quantity: stripe.Int64(1),
		}}
	}

	return lo.Map(order.LineItems, func(item payment.LineItem, _ int) *stripe.CheckoutSessionLineItemParams {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(item.Name)}
		if item.Description != "" {
			product.Description = stripe.String(item.Description)
		}
		if item.SKU != "" {
			product.AddMetadata("sku", item.SKU)
		}
		return &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(currency),
				ProductData: product,
				UnitAmount:  stripe.Int64(item.UnitAmountCents),
			},
			Quantity: stripe.Int64(item.Quantity),
		}
	})
}

func shippingOption(name string, amount int64, currency string, minDays, maxDays int64) *stripe.CheckoutSessionShippingOptionParams {
	return &stripe.CheckoutSessionShippingOptionParams{
		ShippingRateData: &stripe.CheckoutSessionShippingOptionShippingRateDataParams{
			Type:        stripe.String("fixed_amount"),
			DisplayName: stripe.String(name),
			FixedAmount: &stripe.CheckoutSessionShippingOptionShippingRateDataFixedAmountParams{
				Amount:   stripe.Int64(amount),
				Currency: stripe.String(currency),
			},
			DeliveryEstimate: &stripe.CheckoutSessionShippingOptionShippingRateDataDeliveryEstimateParams{
				Minimum: &stripe.CheckoutSessionShippingOptionShippingRateDataDeliveryEstimateMinimumParams{
					Unit:  stripe.String("business_day"),
					Value: stripe.Int64(minDays),
				},
				Maximum: &stripe.CheckoutSessionShippingOptionShippingRateDataDeliveryEstimateMaximumParams{
					Unit:  stripe.String("business_day"),
					Value: stripe.Int64(maxDays),
				},
			},
		},
	}
}
