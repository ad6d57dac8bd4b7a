// Package pricing provides the session price lookup consumed by the buffer
// refresh engine. The real price configuration lives in the admin surface;
// this package only defines the boundary and a static implementation.
package pricing

import (
	"log/slog"
	"strings"
)

// Price is a session price in minor units with its currency.
type Price struct {
	Amount   int64  `json:"amount"` // minor units (cents)
	Currency string `json:"currency"`
}

// Lookup resolves the session price for an account type. A nil result means
// no price is configured; callers must abort before creating any records.
type Lookup interface {
	GetSessionPrice(accountType string) *Price
}

// StaticPricebook is a fixed account-type-to-price table.
type StaticPricebook struct {
	prices map[string]Price
}

// NewStaticPricebook creates a pricebook from the given table. Account types
// are matched case-insensitively.
func NewStaticPricebook(prices map[string]Price) *StaticPricebook {
	normalized := make(map[string]Price, len(prices))
	for k, v := range prices {
		normalized[strings.ToLower(k)] = v
	}
	return &StaticPricebook{prices: normalized}
}

// GetSessionPrice returns the configured price for the account type, or nil
// when none is configured.
func (p *StaticPricebook) GetSessionPrice(accountType string) *Price {
	price, ok := p.prices[strings.ToLower(accountType)]
	if !ok {
		slog.Warn("StaticPricebook.GetSessionPrice: no price configured", "accountType", accountType)
		return nil
	}
	return &price
}
