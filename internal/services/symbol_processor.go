package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/celebrum-fetcher/internal/database"
	"github.com/irfndi/celebrum-fetcher/internal/fetcher"
	"github.com/irfndi/celebrum-fetcher/internal/models"
)

const tracerName = "github.com/irfndi/celebrum-fetcher/internal/services"

// SymbolProcessor runs one backfill task: fetch, validate, store and record
// the resulting queue status. Every failure ends up in the returned
// ProcessingResult; Process never returns an error or panics.
type SymbolProcessor struct {
	fetcher   fetcher.Fetcher
	prices    PriceStore
	queue     TaskStore
	tracked   TrackedStore
	limiter   *RateLimiter
	validator *DataValidator
	breaker   *CircuitBreaker
	locks     *KeyedMutex
	logger    *logrus.Logger
	tracer    trace.Tracer
	source    string
	now       func() time.Time
}

// NewSymbolProcessor creates a processor. A nil breaker disables circuit
// breaking and a nil locks gets a private KeyedMutex.
func NewSymbolProcessor(
	f fetcher.Fetcher,
	repos Repositories,
	limiter *RateLimiter,
	breaker *CircuitBreaker,
	locks *KeyedMutex,
	logger *logrus.Logger,
) *SymbolProcessor {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &SymbolProcessor{
		fetcher:   f,
		prices:    repos.Prices,
		queue:     repos.Queue,
		tracked:   repos.Tracked,
		limiter:   limiter,
		validator: NewDataValidator(),
		breaker:   breaker,
		locks:     locks,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		source:    models.DefaultPriceSource,
		now:       time.Now,
	}
}

// Process drives task through in_progress to completed, failed or rate_limited.
func (p *SymbolProcessor) Process(ctx context.Context, task models.BackfillTask) (result models.ProcessingResult) {
	started := p.now()
	ctx, span := p.tracer.Start(ctx, "backfill.process_symbol", trace.WithAttributes(
		attribute.String("symbol", task.Symbol),
		attribute.Int64("task_id", task.ID),
		attribute.Int("attempts", task.Attempts),
	))
	defer span.End()

	log := p.logger.WithFields(logrus.Fields{
		"symbol":  task.Symbol,
		"task_id": task.ID,
	})
	log.WithFields(logrus.Fields{
		"start_date": task.StartDate.Format(time.DateOnly),
		"end_date":   task.EndDate.Format(time.DateOnly),
	}).Info("Processing backfill")

	defer func() {
		if r := recover(); r != nil {
			result = p.fail(ctx, task, started, fmt.Errorf("panic: %v", r), log)
		}
		if !result.Success {
			span.SetStatus(codes.Error, derefString(result.ErrorMessage))
		}
		span.SetAttributes(attribute.Int("records_inserted", result.RecordsInserted))
	}()

	if task.AssetID != nil {
		unlock := p.locks.Lock(*task.AssetID)
		defer unlock()
	}

	p.updateStatus(ctx, task.ID, database.StatusUpdate{Status: models.TaskStatusInProgress}, log)

	if err := p.limiter.WaitIfNeeded(ctx); err != nil {
		return p.fail(ctx, task, started, err, log)
	}

	data, err := p.fetch(ctx, task)
	if err != nil {
		span.RecordError(err)
		return p.fail(ctx, task, started, err, log)
	}

	valid := make([]models.PricePoint, 0, len(data.Prices))
	invalid := 0
	for _, price := range data.Prices {
		ok, errs := p.validator.ValidatePriceRecord(price)
		if ok {
			valid = append(valid, price)
			continue
		}
		invalid++
		log.WithFields(logrus.Fields{
			"timestamp": price.Timestamp,
			"errors":    errs,
		}).Warnf("Validation failed: %s", strings.Join(errs, ", "))
	}

	inserted, duplicates := 0, 0
	if len(valid) > 0 {
		inserted, duplicates, err = p.store(ctx, task, valid)
		if err != nil {
			return p.fail(ctx, task, started, err, log)
		}
		log.WithFields(logrus.Fields{
			"records_inserted": inserted,
			"records_skipped":  duplicates,
			"invalid_count":    invalid,
		}).Info("Stored price records")
	} else {
		log.Warn("No valid records to store")
	}

	expected := ExpectedTradingDays(task.DaysInRange())
	completeness := p.validator.CalculateCompleteness(expected, len(valid))
	log.WithFields(logrus.Fields{
		"completeness_pct": completeness,
		"actual_records":   len(valid),
		"expected_records": expected,
	}).Info("Data completeness calculated")

	p.updateStatus(ctx, task.ID, database.StatusUpdate{Status: models.TaskStatusCompleted}, log)

	duration := p.now().Sub(started).Seconds()
	log.WithFields(logrus.Fields{
		"duration":         duration,
		"records_inserted": inserted,
	}).Info("Completed backfill")

	return models.ProcessingResult{
		Symbol:          task.Symbol,
		Success:         true,
		RecordsInserted: inserted,
		RecordsSkipped:  duplicates + invalid,
		CompletenessPct: completeness,
		DurationSeconds: duration,
	}
}

// fetch calls the provider for the whole task window through the breaker.
func (p *SymbolProcessor) fetch(ctx context.Context, task models.BackfillTask) (*models.AssetData, error) {
	start := dayStart(task.StartDate)
	end := dayStart(task.EndDate).Add(24*time.Hour - time.Second)

	var data *models.AssetData
	call := func(ctx context.Context) error {
		var err error
		data, err = p.fetcher.FetchHistorical(ctx, task.Symbol, start, end)
		return err
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, call, isProviderOutage)
	} else {
		err = call(ctx)
	}
	if errors.Is(err, ErrCircuitOpen) {
		p.limiter.Release()
	} else {
		p.limiter.RecordRequest()
	}
	if err != nil {
		return nil, err
	}
	if data == nil || len(data.Prices) == 0 {
		return nil, fetcher.ErrNoData
	}
	return data, nil
}

func (p *SymbolProcessor) store(ctx context.Context, task models.BackfillTask, valid []models.PricePoint) (int, int, error) {
	if task.AssetID == nil {
		return 0, 0, &StorageError{Op: "insert_prices", Err: errors.New("task has no asset id")}
	}
	inserted, duplicates, err := p.prices.InsertPrices(ctx, *task.AssetID, valid, p.source)
	if err != nil {
		return 0, 0, &StorageError{Op: "insert_prices", Err: err}
	}
	if err := p.tracked.TouchTracked(ctx, *task.AssetID); err != nil {
		return 0, 0, &StorageError{Op: "touch_tracked", Err: err}
	}
	return inserted, duplicates, nil
}

// fail records the failure on the queue row with a retry schedule and
// builds the failed result.
func (p *SymbolProcessor) fail(ctx context.Context, task models.BackfillTask, started time.Time, err error, log *logrus.Entry) models.ProcessingResult {
	kind := ClassifyError(err)
	attempt := task.Attempts + 1

	var (
		status     = models.TaskStatusFailed
		queueMsg   = failureMessage(kind, task.Symbol, err)
		resultMsg  = queueMsg
		retryDelay time.Duration
	)

	if kind == FailureRateLimited {
		status = models.TaskStatusRateLimited
		delay, sleepErr := p.limiter.HandleRateLimitError(ctx, attempt)
		if sleepErr != nil {
			log.WithError(sleepErr).Warn("Rate limit backoff interrupted")
		}
		var rl *fetcher.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > delay {
			delay = rl.RetryAfter
		}
		retryDelay = delay
		queueMsg = fmt.Sprintf("Rate limited, retry after %s", delay)
		resultMsg = fmt.Sprintf("Rate limited (attempt %d)", attempt)
	} else {
		retryDelay = p.limiter.BackoffDelay(attempt)
	}

	entry := log.WithFields(logrus.Fields{
		"error_type": kind.String(),
		"attempt":    attempt,
		"delay":      retryDelay,
	})
	if kind == FailureUnexpected || kind == FailureStorage {
		entry.WithError(err).Error(queueMsg)
	} else {
		entry.Warn(queueMsg)
	}

	retryAt := p.now().Add(retryDelay)
	p.updateStatus(ctx, task.ID, database.StatusUpdate{
		Status:            status,
		ErrorMessage:      &queueMsg,
		RetryAfter:        &retryAt,
		IncrementAttempts: true,
	}, log)

	return models.ProcessingResult{
		Symbol:          task.Symbol,
		Success:         false,
		DurationSeconds: p.now().Sub(started).Seconds(),
		ErrorMessage:    &resultMsg,
	}
}

// updateStatus persists a transition even when ctx is already cancelled, so
// a shutdown never leaves a task stuck in progress. Failures are logged only.
func (p *SymbolProcessor) updateStatus(ctx context.Context, id int64, update database.StatusUpdate, log *logrus.Entry) {
	if err := p.queue.UpdateTaskStatus(context.WithoutCancel(ctx), id, update); err != nil {
		log.WithError(err).WithField("status", update.Status).Error("Failed to update queue status")
		return
	}
	log.WithField("status", update.Status).Debug("Updated queue status")
}

func failureMessage(kind FailureKind, symbol string, err error) string {
	switch kind {
	case FailureNoData:
		return fmt.Sprintf("Failed to fetch data for %s - API returned no data", symbol)
	case FailureTimeout:
		return fmt.Sprintf("Timeout fetching %s: %v", symbol, err)
	case FailureNetwork:
		return fmt.Sprintf("Network error fetching %s: %v", symbol, err)
	case FailureStorage:
		return fmt.Sprintf("Database error storing %s: %v", symbol, err)
	case FailureRateLimited:
		return fmt.Sprintf("Rate limited fetching %s: %v", symbol, err)
	default:
		return fmt.Sprintf("Unexpected error processing %s: %v", symbol, err)
	}
}

// isProviderOutage reports whether err says something about the provider
// rather than the symbol.
func isProviderOutage(err error) bool {
	switch ClassifyError(err) {
	case FailureTimeout, FailureNetwork, FailureRateLimited:
		return true
	default:
		return false
	}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
