package fetcher

import (
	"context"
	"strings"
	"time"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// CryptoFetcher is a placeholder for cryptocurrency prices. Every fetch
// returns ErrNotImplemented.
type CryptoFetcher struct{}

var _ Fetcher = (*CryptoFetcher)(nil)

func NewCryptoFetcher() *CryptoFetcher {
	return &CryptoFetcher{}
}

func (c *CryptoFetcher) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) (*models.AssetData, error) {
	return nil, ErrNotImplemented
}

func (c *CryptoFetcher) FetchCurrent(ctx context.Context, symbol string) (*models.PricePoint, error) {
	return nil, ErrNotImplemented
}

func (c *CryptoFetcher) ValidateSymbol(symbol string) bool {
	return strings.TrimSpace(symbol) != ""
}
