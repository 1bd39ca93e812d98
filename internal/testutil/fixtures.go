package testutil

import (
	"time"

	"github.com/midastechnical/mdts-payments/internal/domain/crypto"
	"github.com/midastechnical/mdts-payments/internal/domain/payment"
	"github.com/shopspring/decimal"
)

// NewTestOrder returns a valid order for amountCents USD with one line item.
func NewTestOrder(orderID string, amountCents int64) payment.OrderData {
	return payment.OrderData{
		OrderID:     orderID,
		AmountCents: amountCents,
		Currency:    "USD",
		LineItems: []payment.LineItem{
			{Name: "Test item", SKU: "SKU-1", UnitAmountCents: amountCents, Quantity: 1},
		},
		Customer: payment.Customer{
			ID:        "cust_1",
			Email:     "buyer@example.com",
			FirstName: "Test",
			LastName:  "Buyer",
		},
	}
}

// NewTestCryptoPayment returns a pending bitcoin payment for 0.002 BTC.
func NewTestCryptoPayment(orderID, address string) *crypto.Payment {
	now := time.Now()
	p, err := crypto.NewPayment(orderID, mustCurrency("bitcoin"), 10000, "USD", decimal.NewFromInt(50000), address, "buyer@example.com")
	if err != nil {
		panic(err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return p
}

func mustCurrency(key string) crypto.Currency {
	c, err := crypto.LookupCurrency(key)
	if err != nil {
		panic(err)
	}
	return c
}
