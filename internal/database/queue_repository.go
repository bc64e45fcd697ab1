package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// QueueRepository handles the backfill_queue table.
type QueueRepository struct {
	pool DatabasePool
}

// NewQueueRepository creates a new queue repository.
func NewQueueRepository(pool DatabasePool) *QueueRepository {
	return &QueueRepository{pool: pool}
}

// StatusUpdate describes a task status transition.
type StatusUpdate struct {
	Status            models.TaskStatus
	ErrorMessage      *string
	RetryAfter        *time.Time
	IncrementAttempts bool
}

// FindTask returns the task for asset and window with its retry counters,
// or ErrNotFound.
func (r *QueueRepository) FindTask(ctx context.Context, assetID int64, start, end time.Time) (models.BackfillTask, error) {
	var (
		task   models.BackfillTask
		status string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, asset_id, start_date, end_date, status, attempts, max_attempts,
		       retry_after, error_message, created_at
		FROM backfill_queue
		WHERE asset_id = $1 AND start_date = $2 AND end_date = $3`,
		assetID, start, end).Scan(
		&task.ID, &task.AssetID, &task.StartDate, &task.EndDate, &status, &task.Attempts,
		&task.MaxAttempts, &task.RetryAfter, &task.ErrorMessage, &task.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.BackfillTask{}, ErrNotFound
		}
		return models.BackfillTask{}, fmt.Errorf("failed to find backfill task: %w", err)
	}
	task.Status = models.TaskStatus(status)
	return task, nil
}

// CreateTask inserts a pending task and returns its id.
func (r *QueueRepository) CreateTask(ctx context.Context, assetID int64, start, end time.Time, maxAttempts int) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO backfill_queue (asset_id, start_date, end_date, status, attempts, max_attempts)
		VALUES ($1, $2, $3, 'pending', 0, $4)
		RETURNING id`,
		assetID, start, end, maxAttempts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create backfill task: %w", err)
	}
	return id, nil
}

// GetEligibleTasks returns tasks that may be processed now, oldest first:
// pending ones, failed ones with retry budget left, and rate limited ones
// whose retry_after has passed.
func (r *QueueRepository) GetEligibleTasks(ctx context.Context) ([]models.BackfillTask, error) {
	query := `
		SELECT q.id, q.asset_id, a.symbol, q.start_date, q.end_date, q.status,
		       q.attempts, q.max_attempts, q.retry_after, q.error_message, q.created_at
		FROM backfill_queue q
		JOIN assets a ON a.id = q.asset_id
		WHERE q.status = 'pending'
		   OR (q.status = 'failed' AND q.attempts < q.max_attempts)
		   OR (q.status = 'rate_limited' AND (q.retry_after IS NULL OR q.retry_after <= NOW()))
		ORDER BY q.created_at ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.BackfillTask
	for rows.Next() {
		var (
			task   models.BackfillTask
			status string
		)
		if err := rows.Scan(
			&task.ID, &task.AssetID, &task.Symbol, &task.StartDate, &task.EndDate, &status,
			&task.Attempts, &task.MaxAttempts, &task.RetryAfter, &task.ErrorMessage, &task.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan backfill task: %w", err)
		}
		task.Status = models.TaskStatus(status)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate backfill tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus applies a status transition. Completed tasks get
// completed_at stamped.
func (r *QueueRepository) UpdateTaskStatus(ctx context.Context, id int64, update StatusUpdate) error {
	sets := []string{"status = $1", "updated_at = NOW()"}
	args := []interface{}{string(update.Status)}

	if update.ErrorMessage != nil {
		args = append(args, *update.ErrorMessage)
		sets = append(sets, fmt.Sprintf("error_message = $%d", len(args)))
	}
	if update.RetryAfter != nil {
		args = append(args, *update.RetryAfter)
		sets = append(sets, fmt.Sprintf("retry_after = $%d", len(args)))
	}
	if update.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if update.Status == models.TaskStatusCompleted {
		sets = append(sets, "completed_at = NOW()")
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE backfill_queue SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update task %d status: %w", id, ErrNotFound)
	}
	return nil
}

// MarkPermanentlyFailed moves a task to its terminal failed state.
func (r *QueueRepository) MarkPermanentlyFailed(ctx context.Context, id int64, maxAttempts int) error {
	msg := PermanentFailureMessage(maxAttempts)
	return r.UpdateTaskStatus(ctx, id, StatusUpdate{Status: models.TaskStatusFailed, ErrorMessage: &msg})
}

// PermanentFailureMessage is the error_message of a task whose retry budget is exhausted.
func PermanentFailureMessage(maxAttempts int) string {
	return fmt.Sprintf("Permanently failed: exceeded maximum retry attempts (%d)", maxAttempts)
}

// QueueSummary counts tasks by status.
func (r *QueueRepository) QueueSummary(ctx context.Context) (models.QueueSummary, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM backfill_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize queue: %w", err)
	}
	defer rows.Close()

	summary := make(models.QueueSummary)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue summary: %w", err)
		}
		summary[models.TaskStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue summary: %w", err)
	}
	return summary, nil
}
