package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/celebrum-fetcher/internal/cache"
	"github.com/irfndi/celebrum-fetcher/internal/fetcher"
	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// FetcherProvider selects the fetcher for an asset type.
type FetcherProvider interface {
	For(assetType models.AssetType) (fetcher.Fetcher, error)
}

// PriceCacheWriter receives every freshly stored close.
type PriceCacheWriter interface {
	Set(ctx context.Context, entry cache.PriceCacheEntry) error
}

// PortfolioRecalculator runs after a refresh that updated at least one asset.
type PortfolioRecalculator interface {
	RecalculateAll(ctx context.Context) (models.RecalculationSummary, error)
}

// RefreshResult summarizes one refresh cycle.
type RefreshResult struct {
	Total      int
	Updated    int
	Failed     int
	Duration   time.Duration
	Portfolios *models.RecalculationSummary
}

// Successful reports whether the cycle achieved anything: at least one
// asset was updated, or there was nothing to update.
func (r RefreshResult) Successful() bool {
	return r.Total == 0 || r.Updated > 0
}

// PriceRefresher fetches the current price of every tracked asset. Cycles
// are serialized, so a manual trigger waits for a running scheduled cycle.
type PriceRefresher struct {
	fetchers   FetcherProvider
	tracked    TrackedStore
	prices     PriceStore
	stats      StatisticsStore
	cache      PriceCacheWriter
	portfolios PortfolioRecalculator
	limiter    *RateLimiter
	breaker    *CircuitBreaker
	locks      *KeyedMutex
	logger     *logrus.Logger
	tracer     trace.Tracer
	now        func() time.Time

	cycleMu sync.Mutex
}

// NewPriceRefresher creates a refresher. priceCache and portfolios may be nil.
func NewPriceRefresher(
	fetchers FetcherProvider,
	repos Repositories,
	priceCache PriceCacheWriter,
	portfolios PortfolioRecalculator,
	limiter *RateLimiter,
	breaker *CircuitBreaker,
	locks *KeyedMutex,
	logger *logrus.Logger,
) *PriceRefresher {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &PriceRefresher{
		fetchers:   fetchers,
		tracked:    repos.Tracked,
		prices:     repos.Prices,
		stats:      repos.Stats,
		cache:      priceCache,
		portfolios: portfolios,
		limiter:    limiter,
		breaker:    breaker,
		locks:      locks,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
}

// RefreshAll runs one refresh cycle. Per-asset failures are logged and
// recorded in price_update_log; only failing to list tracked assets is an error.
func (r *PriceRefresher) RefreshAll(ctx context.Context) (RefreshResult, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "refresh.cycle")
	defer span.End()

	start := r.now()
	var result RefreshResult

	assets, err := r.tracked.ListTracked(ctx)
	if err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("failed to list tracked assets: %w", err)
	}
	result.Total = len(assets)
	if len(assets) == 0 {
		r.logger.Debug("No tracked assets to refresh")
		result.Duration = r.now().Sub(start)
		return result, nil
	}

	r.logger.WithField("assets", len(assets)).Info("Updating prices for tracked assets")

	for _, asset := range assets {
		if ctx.Err() != nil {
			break
		}
		if r.refreshOne(ctx, asset) {
			result.Updated++
		} else {
			result.Failed++
		}
	}

	if result.Updated > 0 && r.portfolios != nil {
		summary, err := r.portfolios.RecalculateAll(ctx)
		if err != nil {
			r.logger.WithError(err).Error("Portfolio value recalculation failed")
		} else {
			result.Portfolios = &summary
		}
	}

	result.Duration = r.now().Sub(start)
	span.SetAttributes(
		attribute.Int("assets_total", result.Total),
		attribute.Int("assets_updated", result.Updated),
	)
	r.logger.WithFields(logrus.Fields{
		"updated":  result.Updated,
		"failed":   result.Failed,
		"duration": result.Duration.Seconds(),
	}).Info("Price update complete")
	return result, nil
}

// refreshOne updates a single asset and never panics.
func (r *PriceRefresher) refreshOne(ctx context.Context, asset models.TrackedAsset) (ok bool) {
	started := r.now()
	log := r.logger.WithFields(logrus.Fields{
		"symbol":   asset.Symbol,
		"asset_id": asset.AssetID,
	})

	defer func() {
		if rec := recover(); rec != nil {
			r.recordFailure(ctx, asset, started, fmt.Errorf("panic: %v", rec), log)
			ok = false
		}
	}()

	point, err := r.fetchCurrent(ctx, asset)
	if err == nil && (point == nil || !point.Close.Valid) {
		err = fetcher.ErrNoData
	}
	if err != nil {
		r.recordFailure(ctx, asset, started, err, log)
		return false
	}

	if err := r.store(ctx, asset.AssetID, *point); err != nil {
		r.recordFailure(ctx, asset, started, &StorageError{Op: "insert_current_price", Err: err}, log)
		return false
	}

	price := point.Close.Decimal.InexactFloat64()
	r.writeLog(ctx, models.PriceUpdateLogEntry{
		AssetID:    asset.AssetID,
		Timestamp:  r.now(),
		Price:      &price,
		Success:    true,
		DurationMs: r.now().Sub(started).Milliseconds(),
	}, log)

	if r.cache != nil {
		err := r.cache.Set(ctx, cache.PriceCacheEntry{
			AssetID:   asset.AssetID,
			Symbol:    asset.Symbol,
			Close:     point.Close.Decimal,
			Timestamp: point.Timestamp,
		})
		if err != nil {
			log.WithError(err).Warn("Failed to cache latest price")
		}
	}

	log.WithField("close", point.Close.Decimal.String()).Info("Price updated")
	return true
}

func (r *PriceRefresher) store(ctx context.Context, assetID int64, point models.PricePoint) error {
	unlock := r.locks.Lock(assetID)
	defer unlock()

	if _, err := r.prices.InsertCurrentPrice(ctx, assetID, point, models.DefaultPriceSource); err != nil {
		return err
	}
	return r.tracked.TouchTracked(ctx, assetID)
}

func (r *PriceRefresher) fetchCurrent(ctx context.Context, asset models.TrackedAsset) (*models.PricePoint, error) {
	f, err := r.fetchers.For(asset.AssetType)
	if err != nil {
		return nil, err
	}
	if err := r.limiter.WaitIfNeeded(ctx); err != nil {
		return nil, err
	}

	var point *models.PricePoint
	call := func(ctx context.Context) error {
		var err error
		point, err = f.FetchCurrent(ctx, asset.Symbol)
		return err
	}
	if r.breaker != nil {
		err = r.breaker.Execute(ctx, call, isProviderOutage)
	} else {
		err = call(ctx)
	}
	if errors.Is(err, ErrCircuitOpen) {
		r.limiter.Release()
	} else {
		r.limiter.RecordRequest()
	}
	return point, err
}

func (r *PriceRefresher) recordFailure(ctx context.Context, asset models.TrackedAsset, started time.Time, err error, log *logrus.Entry) {
	msg := err.Error()
	log.WithError(err).WithField("error_type", ClassifyError(err).String()).Warn("Price update failed")
	r.writeLog(ctx, models.PriceUpdateLogEntry{
		AssetID:      asset.AssetID,
		Timestamp:    r.now(),
		Success:      false,
		ErrorMessage: &msg,
		DurationMs:   r.now().Sub(started).Milliseconds(),
	}, log)
}

func (r *PriceRefresher) writeLog(ctx context.Context, entry models.PriceUpdateLogEntry, log *logrus.Entry) {
	if err := r.stats.InsertPriceUpdateLog(context.WithoutCancel(ctx), entry); err != nil {
		log.WithError(err).Warn("Failed to write price update log")
	}
}
