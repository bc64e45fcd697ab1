// Package fetcher retrieves daily price data from external providers.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/celebrum-fetcher/internal/config"
	"github.com/irfndi/celebrum-fetcher/internal/models"
)

var (
	// ErrNoData is returned when the provider has no prices for the request.
	ErrNoData = errors.New("no data returned")
	// ErrTimeout is returned when the provider did not answer in time.
	ErrTimeout = errors.New("request timed out")
	// ErrNetwork covers transport failures and unexpected provider responses.
	ErrNetwork = errors.New("network error")
	// ErrNotImplemented is returned by asset types without a provider.
	ErrNotImplemented = errors.New("fetcher not implemented")
	// ErrInvalidSymbol is returned for symbols the provider cannot serve.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrUnsupportedAssetType is returned by Factory.For for unknown types.
	ErrUnsupportedAssetType = errors.New("unsupported asset type")
)

// RateLimitError is returned when the provider rejects a request with HTTP 429.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by provider (HTTP %d, retry after %s)", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by provider (HTTP %d)", e.StatusCode)
}

// IsRateLimit reports whether err is or wraps a *RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Fetcher is the capability every asset type provider implements.
type Fetcher interface {
	// FetchHistorical returns daily prices for symbol within [start, end].
	FetchHistorical(ctx context.Context, symbol string, start, end time.Time) (*models.AssetData, error)
	// FetchCurrent returns the most recent daily price for symbol.
	FetchCurrent(ctx context.Context, symbol string) (*models.PricePoint, error)
	// ValidateSymbol reports whether symbol is well formed for this provider.
	ValidateSymbol(symbol string) bool
}

// Factory hands out the fetcher for an asset type.
type Factory struct {
	stock  Fetcher
	crypto Fetcher
}

// NewFactory builds the fetchers for every supported asset type.
func NewFactory(cfg config.ProviderConfig) *Factory {
	return &Factory{
		stock:  NewStockFetcher(cfg),
		crypto: NewCryptoFetcher(),
	}
}

// NewFactoryWith uses the given implementations; nil entries are unsupported.
func NewFactoryWith(stock, crypto Fetcher) *Factory {
	return &Factory{stock: stock, crypto: crypto}
}

// For returns the fetcher serving assetType.
func (f *Factory) For(assetType models.AssetType) (Fetcher, error) {
	var impl Fetcher
	switch assetType {
	case models.AssetTypeStock:
		impl = f.stock
	case models.AssetTypeCrypto:
		impl = f.crypto
	}
	if impl == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAssetType, assetType)
	}
	return impl, nil
}
