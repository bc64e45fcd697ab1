package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// AssetRepository handles the assets table.
type AssetRepository struct {
	pool DatabasePool
}

// NewAssetRepository creates a new asset repository.
func NewAssetRepository(pool DatabasePool) *AssetRepository {
	return &AssetRepository{pool: pool}
}

const selectAssetColumns = `SELECT id, symbol, name, asset_type, exchange, native_currency, is_active FROM assets`

// GetAssetBySymbol returns the asset with the given symbol or ErrNotFound.
func (r *AssetRepository) GetAssetBySymbol(ctx context.Context, symbol string) (*models.Asset, error) {
	return r.scanOne(ctx, selectAssetColumns+` WHERE symbol = $1`, symbol)
}

// GetAssetByID returns the asset with the given id or ErrNotFound.
func (r *AssetRepository) GetAssetByID(ctx context.Context, id int64) (*models.Asset, error) {
	return r.scanOne(ctx, selectAssetColumns+` WHERE id = $1`, id)
}

func (r *AssetRepository) scanOne(ctx context.Context, query string, arg interface{}) (*models.Asset, error) {
	var (
		asset     models.Asset
		assetType string
		exchange  *string
		currency  *string
	)

	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&asset.ID, &asset.Symbol, &asset.Name, &assetType, &exchange, &currency, &asset.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}

	// Unknown types are kept as AssetTypeUnknown and rejected by fetcher selection.
	asset.AssetType, _ = models.ParseAssetType(assetType)
	if exchange != nil {
		asset.Exchange = *exchange
	}
	if currency != nil {
		asset.NativeCurrency = *currency
	}
	return &asset, nil
}

// EnsureAsset returns the id of the asset with symbol, creating a
// placeholder row when none exists. created reports whether a row was inserted.
func (r *AssetRepository) EnsureAsset(ctx context.Context, symbol string) (id int64, created bool, err error) {
	existing, err := r.GetAssetBySymbol(ctx, symbol)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, false, fmt.Errorf("failed to look up asset %s: %w", symbol, err)
	}

	query := `
		INSERT INTO assets (symbol, name, asset_type, exchange, native_currency, is_active)
		VALUES ($1, $1, 'stock', 'UNKNOWN', 'USD', true)
		RETURNING id`

	if err = r.pool.QueryRow(ctx, query, symbol).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("failed to create placeholder asset %s: %w", symbol, err)
	}
	return id, true, nil
}
