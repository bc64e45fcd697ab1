package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/database"
	"github.com/irfndi/celebrum-fetcher/internal/fetcher"
	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// AssetBackfiller backfills a single asset when the first transaction for
// it is recorded.
type AssetBackfiller struct {
	assets      AssetStore
	prices      PriceStore
	queue       TaskStore
	tracked     TrackedStore
	processors  map[models.AssetType]TaskProcessor
	retrier     *Retrier
	days        int
	maxAttempts int
	logger      *logrus.Logger
	now         func() time.Time
}

// NewAssetBackfiller creates a backfiller. processors maps each supported
// asset type to the processor that handles its tasks.
func NewAssetBackfiller(
	repos Repositories,
	processors map[models.AssetType]TaskProcessor,
	retrier *Retrier,
	days int,
	logger *logrus.Logger,
) *AssetBackfiller {
	if days <= 0 {
		days = 365
	}
	return &AssetBackfiller{
		assets:      repos.Assets,
		prices:      repos.Prices,
		queue:       repos.Queue,
		tracked:     repos.Tracked,
		processors:  processors,
		retrier:     retrier,
		days:        days,
		maxAttempts: models.DefaultMaxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleNewAsset backfills assetID unless it already has price rows. An
// existing queue row is honored the way the orchestrator honors it: completed
// and still rate limited tasks are left alone and a task whose retry budget
// is spent is failed permanently without fetching. It returns a nil result
// when nothing had to be done.
func (b *AssetBackfiller) HandleNewAsset(ctx context.Context, assetID int64) (*models.ProcessingResult, error) {
	log := b.logger.WithField("asset_id", assetID)

	count, err := b.prices.CountPrices(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing prices for asset %d: %w", assetID, err)
	}
	if count > 0 {
		log.WithField("records", count).Debug("Asset already has price data, skipping backfill")
		return nil, nil
	}

	asset, err := b.assets.GetAssetByID(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load asset %d: %w", assetID, err)
	}
	log = log.WithField("symbol", asset.Symbol)

	processor, ok := b.processors[asset.AssetType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", fetcher.ErrUnsupportedAssetType, asset.AssetType)
	}

	task, err := b.taskFor(ctx, asset)
	if err != nil {
		return nil, err
	}

	log = log.WithField("task_id", task.ID)

	switch {
	case task.Status == models.TaskStatusCompleted:
		log.Debug("Backfill task already completed, skipping")
		return nil, nil
	case task.Status == models.TaskStatusRateLimited && task.RetryAfter != nil && task.RetryAfter.After(b.now()):
		log.WithField("retry_after", task.RetryAfter.Format(time.RFC3339)).Debug("Backfill task still rate limited, skipping")
		return nil, nil
	}
	if maxAttempts, spent := retryBudget(task, b.maxAttempts); spent {
		result := exhaustTask(ctx, b.queue, b.logger, task, maxAttempts)
		return &result, nil
	}

	log.Info("New asset detected, starting backfill")
	result := processor.Process(ctx, task)
	if !result.Success {
		log.WithField("error", derefString(result.ErrorMessage)).Warn("New asset backfill failed")
		return &result, nil
	}

	err = b.retrier.Do(ctx, OpTrackedAssetUpsert, func() error {
		return b.tracked.UpsertTracked(ctx, assetID)
	})
	if err != nil {
		return &result, fmt.Errorf("failed to track asset %d: %w", assetID, err)
	}

	log.WithField("records_inserted", result.RecordsInserted).Info("Backfilled new asset")
	return &result, nil
}

// taskFor returns the queue task covering the default window for asset,
// creating it when missing.
func (b *AssetBackfiller) taskFor(ctx context.Context, asset *models.Asset) (models.BackfillTask, error) {
	end := dayStart(b.now().UTC())
	start := end.AddDate(0, 0, -b.days)
	assetID := asset.ID

	task := models.BackfillTask{
		AssetID:     &assetID,
		Symbol:      asset.Symbol,
		StartDate:   start,
		EndDate:     end,
		Status:      models.TaskStatusPending,
		MaxAttempts: b.maxAttempts,
	}

	existing, err := b.queue.FindTask(ctx, assetID, start, end)
	switch {
	case err == nil:
		existing.Symbol = asset.Symbol
		if existing.AssetID == nil {
			existing.AssetID = &assetID
		}
		return existing, nil
	case !errors.Is(err, database.ErrNotFound):
		return task, fmt.Errorf("failed to look up backfill task for %s: %w", asset.Symbol, err)
	}

	id, err := b.queue.CreateTask(ctx, assetID, start, end, b.maxAttempts)
	if err != nil {
		return task, fmt.Errorf("failed to create backfill task for %s: %w", asset.Symbol, err)
	}
	task.ID = id
	return task, nil
}
