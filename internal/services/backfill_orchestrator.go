package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/config"
	"github.com/irfndi/celebrum-fetcher/internal/database"
	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// TaskProcessor processes a single backfill task.
type TaskProcessor interface {
	Process(ctx context.Context, task models.BackfillTask) models.ProcessingResult
}

// RunOptions controls one backfill run.
type RunOptions struct {
	// Force processes tasks even when their asset already has prices in the window.
	Force bool
	// Days is the length of the backfill window ending today.
	Days int
	// Symbols replaces the catalog file when non-empty.
	Symbols []string
}

// BackfillOrchestrator seeds the backfill queue and works through it one
// task at a time, oldest first.
type BackfillOrchestrator struct {
	assets    AssetStore
	prices    PriceStore
	queue     TaskStore
	processor TaskProcessor
	cfg       config.BackfillConfig
	logger    *logrus.Logger
	now       func() time.Time

	shutdown atomic.Bool
}

// NewBackfillOrchestrator creates an orchestrator.
func NewBackfillOrchestrator(repos Repositories, processor TaskProcessor, cfg config.BackfillConfig, logger *logrus.Logger) *BackfillOrchestrator {
	if cfg.Days <= 0 {
		cfg.Days = 365
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxAttempts
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10
	}
	return &BackfillOrchestrator{
		assets:    repos.Assets,
		prices:    repos.Prices,
		queue:     repos.Queue,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// RequestShutdown asks Run to stop before its next task. Safe to call from
// a signal handler goroutine.
func (o *BackfillOrchestrator) RequestShutdown() {
	if o.shutdown.CompareAndSwap(false, true) {
		o.logger.Warn("Shutdown requested, finishing current task")
	}
}

// ShutdownRequested reports whether RequestShutdown was called.
func (o *BackfillOrchestrator) ShutdownRequested() bool {
	return o.shutdown.Load()
}

// Run executes a backfill. The report is returned even when the run was
// interrupted, in which case the error is ErrInterrupted.
func (o *BackfillOrchestrator) Run(ctx context.Context, opts RunOptions) (*models.BackfillReport, error) {
	start := o.now()
	days := opts.Days
	if days <= 0 {
		days = o.cfg.Days
	}

	o.logger.WithFields(logrus.Fields{
		"start_time": start.Format(time.RFC3339),
		"force":      opts.Force,
		"days":       days,
	}).Info("Starting backfill operation")

	symbols, err := o.resolveSymbols(opts.Symbols)
	if err != nil {
		o.logger.WithError(err).Error("Backfill operation failed")
		return nil, err
	}

	o.logQueueSummary(ctx)

	if _, _, err := o.InitializeQueue(ctx, symbols, days); err != nil {
		return nil, err
	}

	tasks, err := o.GetPendingBackfills(ctx)
	if err != nil {
		o.logger.WithError(err).Error("Backfill operation failed")
		return nil, err
	}
	if len(tasks) == 0 {
		o.logger.Info("No pending tasks found, backfill complete")
		report := GenerateReport(nil, start, o.now())
		return &report, nil
	}

	if !opts.Force {
		tasks = o.FilterTasksWithExistingData(ctx, tasks)
		if len(tasks) == 0 {
			o.logger.Info("All tasks have existing data, use --force to re-fetch")
			report := GenerateReport(nil, start, o.now())
			return &report, nil
		}
	}

	o.logger.WithField("tasks", len(tasks)).Info("Processing backfill tasks")

	results := make([]models.ProcessingResult, 0, len(tasks))
	interrupted := false
	for i, task := range tasks {
		if o.ShutdownRequested() {
			interrupted = true
			o.logger.WithFields(logrus.Fields{
				"tasks_processed": i,
				"total_tasks":     len(tasks),
				"tasks_remaining": len(tasks) - i,
			}).Warn("Graceful shutdown: stopping before next task")
			break
		}

		results = append(results, o.dispatch(ctx, task))

		processed := i + 1
		if processed%o.cfg.ProgressEvery == 0 {
			o.logger.WithFields(logrus.Fields{
				"tasks_processed": processed,
				"total_tasks":     len(tasks),
				"progress_pct":    processed * 100 / len(tasks),
			}).Infof("Progress: %d/%d tasks processed", processed, len(tasks))
		}
	}

	report := GenerateReport(results, start, o.now())
	report.Interrupted = interrupted
	o.LogReport(report)

	if interrupted {
		o.logger.Info("Progress saved, remaining tasks resume on the next run")
		return &report, ErrInterrupted
	}

	o.logger.WithFields(logrus.Fields{
		"end_time":        report.EndTime.Format(time.RFC3339),
		"duration":        report.DurationSeconds(),
		"tasks_processed": len(results),
	}).Info("Backfill operation completed")
	return &report, nil
}

// dispatch processes task unless its retry budget is already spent.
func (o *BackfillOrchestrator) dispatch(ctx context.Context, task models.BackfillTask) models.ProcessingResult {
	if maxAttempts, spent := retryBudget(task, o.cfg.MaxAttempts); spent {
		return exhaustTask(ctx, o.queue, o.logger, task, maxAttempts)
	}
	return o.processor.Process(ctx, task)
}

// retryBudget returns the attempt limit of task, falling back when the row
// carries none, and whether the task has used it up.
func retryBudget(task models.BackfillTask, fallback int) (int, bool) {
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = fallback
	}
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	return maxAttempts, task.Attempts >= maxAttempts
}

// exhaustTask moves task to its terminal failed state without fetching.
func exhaustTask(ctx context.Context, queue TaskStore, logger *logrus.Logger, task models.BackfillTask, maxAttempts int) models.ProcessingResult {
	log := logger.WithFields(logrus.Fields{
		"symbol":   task.Symbol,
		"task_id":  task.ID,
		"attempts": task.Attempts,
	})
	log.Warn("Task exceeded max retry attempts, marking as permanently failed")
	if err := queue.MarkPermanentlyFailed(context.WithoutCancel(ctx), task.ID, maxAttempts); err != nil {
		log.WithError(err).Error("Failed to mark task as permanently failed")
	}

	msg := fmt.Sprintf("Exceeded maximum retry attempts (%d/%d)", task.Attempts, maxAttempts)
	return models.ProcessingResult{
		Symbol:       task.Symbol,
		Success:      false,
		ErrorMessage: &msg,
	}
}

func (o *BackfillOrchestrator) resolveSymbols(override []string) ([]string, error) {
	if len(override) == 0 {
		return LoadSymbols(o.cfg.ConfigPath, o.logger)
	}
	symbols := FilterSymbols(override, o.logger)
	if len(symbols) == 0 {
		return nil, &ConfigError{Path: "--symbols", Reason: "no valid symbols given"}
	}
	o.logger.WithField("symbols", len(symbols)).Info("Using symbols from command line")
	return symbols, nil
}

// InitializeQueue makes sure every symbol has an asset row and a task for
// the window [today-days, today]. Existing tasks for the same window are
// left alone whatever their status. Per-symbol failures are logged and skipped.
func (o *BackfillOrchestrator) InitializeQueue(ctx context.Context, symbols []string, days int) (created, skipped int, err error) {
	end := dayStart(o.now().UTC())
	start := end.AddDate(0, 0, -days)

	o.logger.WithFields(logrus.Fields{
		"symbols":    len(symbols),
		"start_date": start.Format(time.DateOnly),
		"end_date":   end.Format(time.DateOnly),
	}).Info("Initializing backfill queue")

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return created, skipped, err
		}

		log := o.logger.WithField("symbol", symbol)

		assetID, isNew, err := o.assets.EnsureAsset(ctx, symbol)
		if err != nil {
			log.WithError(err).Error("Failed to initialize task")
			continue
		}
		if isNew {
			log.WithField("asset_id", assetID).Debug("Created placeholder asset")
		}

		existing, err := o.queue.FindTask(ctx, assetID, start, end)
		switch {
		case err == nil:
			log.WithFields(logrus.Fields{
				"task_id": existing.ID,
				"status":  existing.Status,
			}).Debug("Task already exists, skipping")
			skipped++
			continue
		case !errors.Is(err, database.ErrNotFound):
			log.WithError(err).Error("Failed to initialize task")
			continue
		}

		if _, err := o.queue.CreateTask(ctx, assetID, start, end, o.cfg.MaxAttempts); err != nil {
			log.WithError(err).Error("Failed to initialize task")
			continue
		}
		created++
	}

	o.logger.WithFields(logrus.Fields{
		"tasks_created": created,
		"tasks_skipped": skipped,
	}).Info("Queue initialization complete")
	return created, skipped, nil
}

// GetPendingBackfills returns the tasks eligible for processing, oldest first.
func (o *BackfillOrchestrator) GetPendingBackfills(ctx context.Context) ([]models.BackfillTask, error) {
	tasks, err := o.queue.GetEligibleTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending backfills: %w", err)
	}
	o.logger.WithField("tasks", len(tasks)).Info("Found pending backfill tasks")
	return tasks, nil
}

// FilterTasksWithExistingData drops tasks whose asset already has at least
// one price row inside the task window. Tasks whose lookup fails are kept.
func (o *BackfillOrchestrator) FilterTasksWithExistingData(ctx context.Context, tasks []models.BackfillTask) []models.BackfillTask {
	kept := make([]models.BackfillTask, 0, len(tasks))
	for _, task := range tasks {
		if task.AssetID == nil {
			kept = append(kept, task)
			continue
		}
		count, err := o.prices.CountPricesInRange(ctx, *task.AssetID, task.StartDate, task.EndDate)
		if err != nil {
			o.logger.WithError(err).WithField("symbol", task.Symbol).Warn("Failed to check existing data, keeping task")
			kept = append(kept, task)
			continue
		}
		if count > 0 {
			o.logger.WithFields(logrus.Fields{
				"symbol":  task.Symbol,
				"records": count,
			}).Debug("Skipping task with existing price records")
			continue
		}
		kept = append(kept, task)
	}

	o.logger.WithField("skipped_existing", len(tasks)-len(kept)).Info("Filtered tasks with existing data")
	return kept
}

func (o *BackfillOrchestrator) logQueueSummary(ctx context.Context) {
	summary, err := o.queue.QueueSummary(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("Failed to load queue summary")
		return
	}
	fields := logrus.Fields{}
	for status, count := range summary {
		fields[string(status)] = count
	}
	o.logger.WithFields(fields).Info("Backfill queue status")
}

// GenerateReport aggregates results into a run report.
func GenerateReport(results []models.ProcessingResult, start, end time.Time) models.BackfillReport {
	report := models.BackfillReport{
		TotalSymbols:  len(results),
		StartTime:     start,
		EndTime:       end,
		FailedSymbols: []string{},
	}

	var completeness float64
	for _, r := range results {
		report.TotalRecordsInserted += r.RecordsInserted
		report.TotalRecordsSkipped += r.RecordsSkipped
		if r.Success {
			report.Successful++
			completeness += r.CompletenessPct
			continue
		}
		report.Failed++
		report.FailedSymbols = append(report.FailedSymbols, r.Symbol)
	}
	if report.Successful > 0 {
		report.AverageCompleteness = completeness / float64(report.Successful)
	}
	return report
}

// LogReport writes the report summary.
func (o *BackfillOrchestrator) LogReport(report models.BackfillReport) {
	title := "Backfill summary report"
	if report.Interrupted {
		title = "Partial backfill report before shutdown"
	}

	o.logger.WithFields(logrus.Fields{
		"start_time":             report.StartTime.Format(time.RFC3339),
		"end_time":               report.EndTime.Format(time.RFC3339),
		"duration_minutes":       fmt.Sprintf("%.1f", report.DurationSeconds()/60),
		"total_symbols":          report.TotalSymbols,
		"successful":             report.Successful,
		"failed":                 report.Failed,
		"total_records_inserted": report.TotalRecordsInserted,
		"total_records_skipped":  report.TotalRecordsSkipped,
		"average_completeness":   fmt.Sprintf("%.1f", report.AverageCompleteness),
	}).Info(title)

	if len(report.FailedSymbols) == 0 {
		return
	}
	shown := report.FailedSymbols
	if len(shown) > 10 {
		shown = shown[:10]
	}
	msg := "Failed symbols: " + strings.Join(shown, ", ")
	if extra := len(report.FailedSymbols) - len(shown); extra > 0 {
		msg += fmt.Sprintf(" ... and %d more", extra)
	}
	o.logger.Warn(msg)
}
