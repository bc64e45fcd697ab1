package services

import (
	"context"
	"time"

	"github.com/irfndi/celebrum-fetcher/internal/database"
	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// AssetStore is the assets table as seen by the engine.
type AssetStore interface {
	GetAssetByID(ctx context.Context, id int64) (*models.Asset, error)
	EnsureAsset(ctx context.Context, symbol string) (int64, bool, error)
}

// PriceStore persists price rows.
type PriceStore interface {
	CountPrices(ctx context.Context, assetID int64) (int, error)
	CountPricesInRange(ctx context.Context, assetID int64, start, end time.Time) (int, error)
	InsertPrices(ctx context.Context, assetID int64, points []models.PricePoint, source string) (int, int, error)
	InsertCurrentPrice(ctx context.Context, assetID int64, point models.PricePoint, source string) (bool, error)
}

// TaskStore is the backfill queue.
type TaskStore interface {
	FindTask(ctx context.Context, assetID int64, start, end time.Time) (models.BackfillTask, error)
	CreateTask(ctx context.Context, assetID int64, start, end time.Time, maxAttempts int) (int64, error)
	GetEligibleTasks(ctx context.Context) ([]models.BackfillTask, error)
	UpdateTaskStatus(ctx context.Context, id int64, update database.StatusUpdate) error
	MarkPermanentlyFailed(ctx context.Context, id int64, maxAttempts int) error
	QueueSummary(ctx context.Context) (models.QueueSummary, error)
}

// TrackedStore is the tracked_assets table.
type TrackedStore interface {
	ListTracked(ctx context.Context) ([]models.TrackedAsset, error)
	TouchTracked(ctx context.Context, assetID int64) error
	UpsertTracked(ctx context.Context, assetID int64) error
	CountTracked(ctx context.Context) (int, error)
}

// StatisticsStore persists daemon statistics and refresh outcomes.
type StatisticsStore interface {
	InsertStatistics(ctx context.Context, s models.StatisticsSnapshot) error
	InsertPriceUpdateLog(ctx context.Context, e models.PriceUpdateLogEntry) error
}

// PortfolioStore reads positions and writes cached portfolio values.
type PortfolioStore interface {
	ListPortfolioIDs(ctx context.Context) ([]int64, error)
	GetPositions(ctx context.Context, portfolioID int64) ([]models.PortfolioPosition, error)
	UpsertPortfolioValue(ctx context.Context, v models.PortfolioValue) error
}

// Repositories bundles the stores a component may need.
type Repositories struct {
	Assets     AssetStore
	Prices     PriceStore
	Queue      TaskStore
	Tracked    TrackedStore
	Stats      StatisticsStore
	Portfolios PortfolioStore
}

// RepositoriesFromStore adapts a database.Store.
func RepositoriesFromStore(s *database.Store) Repositories {
	return Repositories{
		Assets:     s.Assets,
		Prices:     s.Prices,
		Queue:      s.Queue,
		Tracked:    s.Tracked,
		Stats:      s.Logs,
		Portfolios: s.Portfolios,
	}
}
