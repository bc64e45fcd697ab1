package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultPriceSource is stored in asset_prices.source for provider data.
const DefaultPriceSource = "yahoo"

// PricePoint is one daily OHLCV observation as returned by a provider.
// Timestamp is kept as the provider's textual instant so that an
// unparsable value can be reported by validation instead of the fetcher.
type PricePoint struct {
	Timestamp string              `json:"timestamp"`
	Open      decimal.NullDecimal `json:"open"`
	High      decimal.NullDecimal `json:"high"`
	Low       decimal.NullDecimal `json:"low"`
	Close     decimal.NullDecimal `json:"close"`
	Volume    *int64              `json:"volume,omitempty"`
}

// Time parses Timestamp as RFC3339 or as a bare date.
func (p PricePoint) Time() (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, p.Timestamp)
}

// AssetData is the result of a historical fetch for one symbol.
type AssetData struct {
	Symbol    string       `json:"symbol"`
	AssetType AssetType    `json:"asset_type"`
	Name      string       `json:"name,omitempty"`
	Currency  string       `json:"currency,omitempty"`
	Exchange  string       `json:"exchange,omitempty"`
	Prices    []PricePoint `json:"prices"`
}

// NewDecimal is a convenience for building non-null price fields.
func NewDecimal(v float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(v))
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}
