package database

import (
	"context"
	"fmt"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// PortfolioRepository reads positions and writes portfolio_performance_cache.
type PortfolioRepository struct {
	pool DatabasePool
}

// NewPortfolioRepository creates a new portfolio repository.
func NewPortfolioRepository(pool DatabasePool) *PortfolioRepository {
	return &PortfolioRepository{pool: pool}
}

// ListPortfolioIDs returns every portfolio id in ascending order.
func (r *PortfolioRepository) ListPortfolioIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM portfolios ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolios: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate portfolios: %w", err)
	}
	return ids, nil
}

// GetPositions returns the holdings of a portfolio with each asset's latest close.
func (r *PortfolioRepository) GetPositions(ctx context.Context, portfolioID int64) ([]models.PortfolioPosition, error) {
	query := `
		SELECT pp.asset_id, a.symbol, pp.quantity, pp.average_buy_price,
		       (SELECT ap.close FROM asset_prices ap
		        WHERE ap.asset_id = pp.asset_id
		        ORDER BY ap.timestamp DESC LIMIT 1) AS latest_close
		FROM portfolio_positions pp
		JOIN assets a ON pp.asset_id = a.id
		WHERE pp.portfolio_id = $1`

	rows, err := r.pool.Query(ctx, query, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for portfolio %d: %w", portfolioID, err)
	}
	defer rows.Close()

	var positions []models.PortfolioPosition
	for rows.Next() {
		var p models.PortfolioPosition
		if err := rows.Scan(&p.AssetID, &p.Symbol, &p.Quantity, &p.AverageBuyPrice, &p.LatestClose); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate positions: %w", err)
	}
	return positions, nil
}

// UpsertPortfolioValue writes the cached performance of a portfolio.
func (r *PortfolioRepository) UpsertPortfolioValue(ctx context.Context, v models.PortfolioValue) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO portfolio_performance_cache
			(portfolio_id, current_value_usd, total_invested_usd, total_return_pct, last_updated)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (portfolio_id) DO UPDATE SET
			current_value_usd = EXCLUDED.current_value_usd,
			total_invested_usd = EXCLUDED.total_invested_usd,
			total_return_pct = EXCLUDED.total_return_pct,
			last_updated = EXCLUDED.last_updated`,
		v.PortfolioID, v.CurrentValueUSD, v.TotalInvestedUSD, v.TotalReturnPct.Round(4))
	if err != nil {
		return fmt.Errorf("failed to update performance cache for portfolio %d: %w", v.PortfolioID, err)
	}
	return nil
}
