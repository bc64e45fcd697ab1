package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// LogRepository writes the fetcher_logs, fetcher_statistics and
// price_update_log side-channel tables.
type LogRepository struct {
	pool DatabasePool
}

// NewLogRepository creates a new log repository.
func NewLogRepository(pool DatabasePool) *LogRepository {
	return &LogRepository{pool: pool}
}

// InsertLog stores one log entry with its fields as JSON.
func (r *LogRepository) InsertLog(ctx context.Context, entry models.LogEntry) error {
	var contextJSON []byte
	if len(entry.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("failed to encode log context: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO fetcher_logs (timestamp, level, message, context)
		VALUES ($1, $2, $3, $4)`,
		entry.Timestamp, entry.Level, entry.Message, contextJSON)
	if err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	return nil
}

// InsertStatistics stores a statistics snapshot.
func (r *LogRepository) InsertStatistics(ctx context.Context, s models.StatisticsSnapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO fetcher_statistics
			(timestamp, uptime_seconds, total_cycles, successful_cycles, failed_cycles,
			 success_rate, average_cycle_duration, assets_tracked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.Timestamp, s.UptimeSeconds, s.TotalCycles, s.SuccessfulCycles, s.FailedCycles,
		s.SuccessRate, s.AverageCycleDuration, s.AssetsTracked)
	if err != nil {
		return fmt.Errorf("failed to insert statistics: %w", err)
	}
	return nil
}

// InsertPriceUpdateLog records the outcome of one price refresh attempt.
func (r *LogRepository) InsertPriceUpdateLog(ctx context.Context, e models.PriceUpdateLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO price_update_log (asset_id, timestamp, price, success, error_message, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.AssetID, e.Timestamp, e.Price, e.Success, e.ErrorMessage, e.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert price update log: %w", err)
	}
	return nil
}
