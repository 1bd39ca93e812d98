package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/midastechnical/mdts-payments/internal/domain/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Network groups currencies by the chain their confirmations are read from
type Network string

const (
	NetworkBitcoin  Network = "bitcoin"
	NetworkEthereum Network = "ethereum"
)

// Currency describes a supported cryptocurrency.
type Currency struct {
	Key                   string  `json:"key"`
	Symbol                string  `json:"symbol"`
	Name                  string  `json:"name"`
	Network               Network `json:"network"`
	ConfirmationsRequired int     `json:"confirmationsRequired"`
	ContractAddress       string  `json:"contractAddress,omitempty"`
	CoinGeckoID           string  `json:"-"`
	ExplorerURL           string  `json:"explorerUrl"`
}

var currencies = []Currency{
	{
		Key:                   "bitcoin",
		Symbol:                "BTC",
		Name:                  "Bitcoin",
		Network:               NetworkBitcoin,
		ConfirmationsRequired: 3,
		CoinGeckoID:           "bitcoin",
		ExplorerURL:           "https://blockchain.info/tx/",
	},
	{
		Key:                   "ethereum",
		Symbol:                "ETH",
		Name:                  "Ethereum",
		Network:               NetworkEthereum,
		ConfirmationsRequired: 12,
		CoinGeckoID:           "ethereum",
		ExplorerURL:           "https://etherscan.io/tx/",
	},
	{
		Key:                   "usdt",
		Symbol:                "USDT",
		Name:                  "Tether USD",
		Network:               NetworkEthereum,
		ConfirmationsRequired: 12,
		ContractAddress:       "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		CoinGeckoID:           "tether",
		ExplorerURL:           "https://etherscan.io/tx/",
	},
	{
		Key:                   "usdc",
		Symbol:                "USDC",
		Name:                  "USD Coin",
		Network:               NetworkEthereum,
		ConfirmationsRequired: 12,
		ContractAddress:       "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		CoinGeckoID:           "usd-coin",
		ExplorerURL:           "https://etherscan.io/tx/",
	},
}

var currencyByKey = lo.KeyBy(currencies, func(c Currency) string { return c.Key })

// SupportedCurrencies returns the supported currencies in display order
func SupportedCurrencies() []Currency {
	out := make([]Currency, len(currencies))
	copy(out, currencies)
	return out
}

// LookupCurrency returns the currency for a key such as "bitcoin" or "usdt"
func LookupCurrency(key string) (Currency, error) {
	c, ok := currencyByKey[strings.ToLower(key)]
	if !ok {
		return Currency{}, fmt.Errorf("%w: %s", errors.ErrUnsupportedCrypto, key)
	}
	return c, nil
}

// PaymentExpiry is how long a payment address stays valid.
const PaymentExpiry = 30 * time.Minute

// Status is the confirmation status of a crypto payment
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnconfirmed Status = "unconfirmed"
	StatusConfirmed   Status = "confirmed"
	StatusFailed      Status = "failed"
)

// StatusFor maps a confirmation count to a payment status. An expired payment
// that never received a transaction fails.
func StatusFor(confirmations, required int, expired bool) Status {
	switch {
	case confirmations >= required:
		return StatusConfirmed
	case confirmations > 0:
		return StatusUnconfirmed
	case expired:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Payment is a crypto payment request awaiting on-chain confirmation.
type Payment struct {
	ID              uuid.UUID
	OrderID         string
	CryptoType      string
	CryptoAmount    decimal.Decimal
	FiatAmountCents int64
	FiatCurrency    string
	ExchangeRate    decimal.Decimal
	PaymentAddress  string
	CustomerEmail   string
	Status          Status
	Confirmations   int
	TransactionHash *string
	Metadata        map[string]any
	ExpiresAt       time.Time
	LastChecked     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewPayment creates a pending crypto payment that expires after PaymentExpiry.
func NewPayment(orderID string, c Currency, fiatCents int64, fiatCurrency string, rate decimal.Decimal, address, email string) (*Payment, error) {
	amount, err := ConvertFiat(fiatCents, rate)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Payment{
		ID:              uuid.New(),
		OrderID:         orderID,
		CryptoType:      c.Key,
		CryptoAmount:    amount,
		FiatAmountCents: fiatCents,
		FiatCurrency:    strings.ToUpper(fiatCurrency),
		ExchangeRate:    rate,
		PaymentAddress:  address,
		CustomerEmail:   email,
		Status:          StatusPending,
		Metadata:        make(map[string]any),
		ExpiresAt:       now.Add(PaymentExpiry),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// IsFinal reports whether the payment no longer needs polling
func (p *Payment) IsFinal() bool {
	return p.Status == StatusConfirmed || p.Status == StatusFailed
}

// ApplyConfirmations records an explorer observation and recomputes the status.
func (p *Payment) ApplyConfirmations(c Currency, confirmations int, txHash string, now time.Time) {
	p.Confirmations = confirmations
	if txHash != "" {
		p.TransactionHash = &txHash
	}
	p.Status = StatusFor(confirmations, c.ConfirmationsRequired, now.After(p.ExpiresAt))
	p.LastChecked = &now
	p.UpdatedAt = now
}

// TransactionURL links to the transaction on the block explorer, if one was seen.
func (p *Payment) TransactionURL(c Currency) string {
	if p.TransactionHash == nil {
		return ""
	}
	return c.ExplorerURL + *p.TransactionHash
}

// ConvertFiat converts an amount in fiat cents to crypto at rate (fiat per coin),
// rounded to 8 decimals.
func ConvertFiat(fiatCents int64, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: rate %s", errors.ErrExchangeRateUnknown, rate)
	}
	return decimal.New(fiatCents, -2).DivRound(rate, 8), nil
}

// PaymentURI builds the wallet URI encoded into the payment QR code.
func PaymentURI(c Currency, address string, amount decimal.Decimal) string {
	return fmt.Sprintf("%s:%s?amount=%s", strings.ToLower(c.Symbol), address, amount.StringFixed(8))
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// DeriveAddress derives a deterministic receiving address for an order from the
// wallet seed. The same seed, order and currency always give the same address.
func DeriveAddress(seed, orderID string, c Currency) string {
	sum := sha256.Sum256([]byte(seed + orderID + c.Key))
	switch c.Network {
	case NetworkBitcoin:
		ext := sha256.Sum256(sum[:])
		raw := append(sum[:], ext[:]...)
		var b strings.Builder
		b.WriteString("bc1q")
		for i := 0; i < 38; i++ {
			b.WriteByte(bech32Charset[raw[i]%32])
		}
		return b.String()
	default:
		return "0x" + hex.EncodeToString(sum[:])[:40]
	}
}
