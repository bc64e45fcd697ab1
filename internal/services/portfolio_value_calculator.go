package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

var hundred = decimal.NewFromInt(100)

// PortfolioValueCalculator refreshes portfolio_performance_cache after prices change.
type PortfolioValueCalculator struct {
	store  PortfolioStore
	logger *logrus.Logger
}

// NewPortfolioValueCalculator values portfolios from the positions in store.
func NewPortfolioValueCalculator(store PortfolioStore, logger *logrus.Logger) *PortfolioValueCalculator {
	return &PortfolioValueCalculator{store: store, logger: logger}
}

// CalculateValue values positions at their latest close, falling back to
// the average buy price for assets without any price.
func CalculateValue(portfolioID int64, positions []models.PortfolioPosition) models.PortfolioValue {
	value := models.PortfolioValue{
		PortfolioID:      portfolioID,
		CurrentValueUSD:  decimal.Zero,
		TotalInvestedUSD: decimal.Zero,
		TotalReturnPct:   decimal.Zero,
		PositionCount:    len(positions),
	}

	for _, p := range positions {
		price := p.AverageBuyPrice
		if p.LatestClose.Valid {
			price = p.LatestClose.Decimal
		}
		value.CurrentValueUSD = value.CurrentValueUSD.Add(p.Quantity.Mul(price))
		value.TotalInvestedUSD = value.TotalInvestedUSD.Add(p.Quantity.Mul(p.AverageBuyPrice))
	}

	if value.TotalInvestedUSD.IsPositive() {
		value.TotalReturnPct = value.CurrentValueUSD.Sub(value.TotalInvestedUSD).
			Div(value.TotalInvestedUSD).
			Mul(hundred)
	}
	return value
}

// RecalculateAll recomputes every portfolio. A failing portfolio is logged
// and counted without stopping the pass; only a failure to list portfolios
// is returned.
func (c *PortfolioValueCalculator) RecalculateAll(ctx context.Context) (models.RecalculationSummary, error) {
	var summary models.RecalculationSummary
	start := time.Now()

	ids, err := c.store.ListPortfolioIDs(ctx)
	if err != nil {
		return summary, fmt.Errorf("failed to list portfolios: %w", err)
	}

	for _, id := range ids {
		summary.Total++
		if err := c.recalculate(ctx, id); err != nil {
			summary.Failed++
			c.logger.WithError(err).WithField("portfolio_id", id).Error("Failed to recalculate portfolio")
			continue
		}
		summary.Succeeded++
	}

	c.logger.WithFields(logrus.Fields{
		"duration":             time.Since(start).Seconds(),
		"portfolios_processed": summary.Total,
		"portfolios_updated":   summary.Succeeded,
		"portfolios_failed":    summary.Failed,
	}).Info("Portfolio value recalculation complete")
	return summary, nil
}

func (c *PortfolioValueCalculator) recalculate(ctx context.Context, id int64) error {
	positions, err := c.store.GetPositions(ctx, id)
	if err != nil {
		return err
	}
	return c.store.UpsertPortfolioValue(ctx, CalculateValue(id, positions))
}
