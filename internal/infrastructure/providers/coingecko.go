package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	domainErrors "github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RateCache stores the last known exchange rates.
type RateCache interface {
	Get(ctx context.Context, coin, fiat string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, coin, fiat string, rate decimal.Decimal) error
}

// CoinGecko reads crypto exchange rates from the CoinGecko simple price API.
// Fetched rates are cached, and the cached rate is served when the API fails.
type CoinGecko struct {
	api     jsonCaller
	baseURL string
	cache   RateCache
	logger  zerolog.Logger
}

func NewCoinGecko(baseURL string, timeout time.Duration, cache RateCache, logger zerolog.Logger) *CoinGecko {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CoinGecko{
		api:     jsonCaller{client: &http.Client{Timeout: timeout}, provider: "coingecko"},
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   cache,
		logger:  logger,
	}
}

// Ping checks the API is reachable.
func (c *CoinGecko) Ping(ctx context.Context) error {
	return c.api.do(ctx, payment.OpHealthCheck, http.MethodGet, c.baseURL+"/ping", nil, nil)
}

// Rate returns the price of one coin in fiat.
func (c *CoinGecko) Rate(ctx context.Context, coinID, fiat string) (decimal.Decimal, error) {
	fiat = strings.ToLower(fiat)
	q := url.Values{"ids": {coinID}, "vs_currencies": {fiat}}

	var prices map[string]map[string]decimal.Decimal
	err := c.api.do(ctx, "exchange_rate", http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil, &prices)
	if err == nil {
		rate, ok := prices[coinID][fiat]
		if ok && rate.IsPositive() {
			if c.cache != nil {
				if cerr := c.cache.Set(ctx, coinID, fiat, rate); cerr != nil {
					c.logger.Warn().Err(cerr).Str("coin", coinID).Msg("failed to cache exchange rate")
				}
			}
			return rate, nil
		}
		err = domainErrors.NewProviderError("coingecko", "exchange_rate", domainErrors.KindPermanent,
			fmt.Errorf("no %s price for %s", fiat, coinID))
	}

	if c.cache != nil {
		cached, ok, cerr := c.cache.Get(ctx, coinID, fiat)
		if cerr != nil {
			c.logger.Warn().Err(cerr).Str("coin", coinID).Msg("failed to read cached exchange rate")
		}
		if ok {
			c.logger.Warn().Err(err).Str("coin", coinID).Str("rate", cached.String()).Msg("using cached exchange rate")
			return cached, nil
		}
	}

	return decimal.Zero, fmt.Errorf("%w: %w", domainErrors.ErrExchangeRateUnknown, err)
}
