package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// PriceRepository handles the asset_prices table.
type PriceRepository struct {
	pool DatabasePool
}

// NewPriceRepository creates a new price repository.
func NewPriceRepository(pool DatabasePool) *PriceRepository {
	return &PriceRepository{pool: pool}
}

const insertPriceQuery = `
	INSERT INTO asset_prices (asset_id, timestamp, open, high, low, close, volume, source)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (asset_id, timestamp) DO NOTHING`

// CountPrices returns the number of price rows stored for an asset.
func (r *PriceRepository) CountPrices(ctx context.Context, assetID int64) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM asset_prices WHERE asset_id = $1`, assetID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count prices: %w", err)
	}
	return count, nil
}

// CountPricesInRange returns the number of price rows for an asset within [start, end].
func (r *PriceRepository) CountPricesInRange(ctx context.Context, assetID int64, start, end time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM asset_prices
		WHERE asset_id = $1 AND timestamp >= $2 AND timestamp <= $3`

	var count int
	if err := r.pool.QueryRow(ctx, query, assetID, start, end).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count prices in range: %w", err)
	}
	return count, nil
}

// InsertPrices stores the points that are not already present for the asset.
// Existing timestamps in the covered range are loaded first inside the same
// transaction; points matching one of them, or repeated within the batch,
// are counted as duplicates.
func (r *PriceRepository) InsertPrices(ctx context.Context, assetID int64, points []models.PricePoint, source string) (inserted, duplicates int, err error) {
	if len(points) == 0 {
		return 0, 0, nil
	}

	times := make([]time.Time, len(points))
	var minTS, maxTS time.Time
	for i, p := range points {
		ts, perr := p.Time()
		if perr != nil {
			return 0, 0, fmt.Errorf("invalid timestamp %q: %w", p.Timestamp, perr)
		}
		ts = ts.UTC()
		times[i] = ts
		if i == 0 || ts.Before(minTS) {
			minTS = ts
		}
		if i == 0 || ts.After(maxTS) {
			maxTS = ts
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	existing, err := existingTimestamps(ctx, tx, assetID, minTS, maxTS)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, 0, err
	}

	for i, p := range points {
		key := times[i].Unix()
		if _, ok := existing[key]; ok {
			duplicates++
			continue
		}
		existing[key] = struct{}{}

		tag, err := tx.Exec(ctx, insertPriceQuery, assetID, times[i], p.Open, p.High, p.Low, p.Close, p.Volume, source)
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, 0, fmt.Errorf("failed to insert price for %s: %w", p.Timestamp, err)
		}
		if tag.RowsAffected() == 0 {
			duplicates++
			continue
		}
		inserted++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit prices: %w", err)
	}
	return inserted, duplicates, nil
}

func existingTimestamps(ctx context.Context, tx pgx.Tx, assetID int64, start, end time.Time) (map[int64]struct{}, error) {
	rows, err := tx.Query(ctx, `
		SELECT timestamp FROM asset_prices
		WHERE asset_id = $1 AND timestamp >= $2 AND timestamp <= $3`, assetID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing timestamps: %w", err)
	}
	defer rows.Close()

	existing := make(map[int64]struct{})
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan timestamp: %w", err)
		}
		existing[ts.UTC().Unix()] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timestamps: %w", err)
	}
	return existing, nil
}

// InsertCurrentPrice stores a single refreshed price. It reports false when
// a row for that timestamp already existed.
func (r *PriceRepository) InsertCurrentPrice(ctx context.Context, assetID int64, point models.PricePoint, source string) (bool, error) {
	ts, err := point.Time()
	if err != nil {
		return false, fmt.Errorf("invalid timestamp %q: %w", point.Timestamp, err)
	}

	tag, err := r.pool.Exec(ctx, insertPriceQuery, assetID, ts.UTC(), point.Open, point.High, point.Low, point.Close, point.Volume, source)
	if err != nil {
		return false, fmt.Errorf("failed to insert current price: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
