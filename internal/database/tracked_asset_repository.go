package database

import (
	"context"
	"fmt"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// TrackedAssetRepository handles the tracked_assets table.
type TrackedAssetRepository struct {
	pool DatabasePool
}

// NewTrackedAssetRepository creates a new tracked asset repository.
func NewTrackedAssetRepository(pool DatabasePool) *TrackedAssetRepository {
	return &TrackedAssetRepository{pool: pool}
}

// ListTracked returns assets with at least one tracking user, stalest first.
func (r *TrackedAssetRepository) ListTracked(ctx context.Context) ([]models.TrackedAsset, error) {
	query := `
		SELECT t.asset_id, a.symbol, a.asset_type, t.last_price_update, t.tracking_users
		FROM tracked_assets t
		JOIN assets a ON a.id = t.asset_id
		WHERE t.tracking_users > 0
		ORDER BY t.last_price_update ASC NULLS FIRST`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked assets: %w", err)
	}
	defer rows.Close()

	var assets []models.TrackedAsset
	for rows.Next() {
		var (
			asset     models.TrackedAsset
			assetType string
		)
		if err := rows.Scan(&asset.AssetID, &asset.Symbol, &assetType, &asset.LastPriceUpdate, &asset.TrackingUsers); err != nil {
			return nil, fmt.Errorf("failed to scan tracked asset: %w", err)
		}
		asset.AssetType, _ = models.ParseAssetType(assetType)
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tracked assets: %w", err)
	}
	return assets, nil
}

// TouchTracked sets last_price_update to now for an asset, creating the
// tracked row if missing without changing tracking_users of an existing one.
func (r *TrackedAssetRepository) TouchTracked(ctx context.Context, assetID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tracked_assets (asset_id, last_price_update)
		VALUES ($1, NOW())
		ON CONFLICT (asset_id) DO UPDATE SET last_price_update = NOW()`, assetID)
	if err != nil {
		return fmt.Errorf("failed to update tracked asset %d: %w", assetID, err)
	}
	return nil
}

// UpsertTracked registers one more tracking user for an asset.
func (r *TrackedAssetRepository) UpsertTracked(ctx context.Context, assetID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tracked_assets (asset_id, last_price_update, tracking_users)
		VALUES ($1, NOW(), 1)
		ON CONFLICT (asset_id) DO UPDATE
		SET tracking_users = tracked_assets.tracking_users + 1,
		    last_price_update = NOW()`, assetID)
	if err != nil {
		return fmt.Errorf("failed to upsert tracked asset %d: %w", assetID, err)
	}
	return nil
}

// CountTracked returns the number of assets with at least one tracking user.
func (r *TrackedAssetRepository) CountTracked(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tracked_assets WHERE tracking_users > 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tracked assets: %w", err)
	}
	return count, nil
}
