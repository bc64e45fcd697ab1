package services

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// DataValidator checks fetched price records before they are stored.
type DataValidator struct{}

// NewDataValidator creates a validator.
func NewDataValidator() *DataValidator {
	return &DataValidator{}
}

// ValidatePriceRecord reports whether p may be stored and why not. Missing
// required fields short-circuit every other check.
func (v *DataValidator) ValidatePriceRecord(p models.PricePoint) (bool, []string) {
	var errs []string

	if p.Timestamp == "" {
		errs = append(errs, "Missing timestamp")
	}
	if !p.Close.Valid {
		errs = append(errs, "Missing close price")
	}
	if p.Volume == nil {
		errs = append(errs, "Missing volume")
	}
	if len(errs) > 0 {
		return false, errs
	}

	if !p.Close.Decimal.IsPositive() {
		errs = append(errs, fmt.Sprintf("Close price must be positive, got %s", p.Close.Decimal))
	}
	if *p.Volume < 0 {
		errs = append(errs, fmt.Sprintf("Volume must be non-negative, got %d", *p.Volume))
	}
	if _, err := p.Time(); err != nil {
		errs = append(errs, fmt.Sprintf("Invalid timestamp format: %s - %v", p.Timestamp, err))
	}

	errs = append(errs, ohlcErrors(p)...)
	return len(errs) == 0, errs
}

// ValidateOHLCConsistency reports whether the OHLC relationships of p hold.
func (v *DataValidator) ValidateOHLCConsistency(p models.PricePoint) bool {
	return len(ohlcErrors(p)) == 0
}

// ohlcErrors is empty when open, high or low is missing or zero.
func ohlcErrors(p models.PricePoint) []string {
	if !p.Open.Valid || !p.High.Valid || !p.Low.Valid || !p.Close.Valid {
		return nil
	}
	open, high, low, closing := p.Open.Decimal, p.High.Decimal, p.Low.Decimal, p.Close.Decimal
	if open.IsZero() || high.IsZero() || low.IsZero() {
		return nil
	}

	var errs []string
	if high.LessThan(low) {
		errs = append(errs, fmt.Sprintf("High (%s) must be >= low (%s)", high, low))
	}
	if high.LessThan(open) {
		errs = append(errs, fmt.Sprintf("High (%s) must be >= open (%s)", high, open))
	}
	if high.LessThan(closing) {
		errs = append(errs, fmt.Sprintf("High (%s) must be >= close (%s)", high, closing))
	}
	if low.GreaterThan(open) {
		errs = append(errs, fmt.Sprintf("Low (%s) must be <= open (%s)", low, open))
	}
	if low.GreaterThan(closing) {
		errs = append(errs, fmt.Sprintf("Low (%s) must be <= close (%s)", low, closing))
	}
	return errs
}

// CalculateCompleteness returns actual/expected as a percentage capped at
// 100, or 0 when expected is not positive.
func (v *DataValidator) CalculateCompleteness(expected, actual int) float64 {
	if expected <= 0 {
		return 0
	}
	pct := decimal.NewFromInt(int64(actual)).
		Div(decimal.NewFromInt(int64(expected))).
		Mul(decimal.NewFromInt(100))
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		return 100
	}
	return pct.InexactFloat64()
}

// ExpectedTradingDays approximates the trading days in a calendar span as days*252/365.
func ExpectedTradingDays(days int) int {
	return days * 252 / 365
}
