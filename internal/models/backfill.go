package models

import (
	"time"
)

// TaskStatus is the state of a backfill_queue row.
type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusInProgress  TaskStatus = "in_progress"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusRateLimited TaskStatus = "rate_limited"
)

// DefaultMaxAttempts is the retry budget of a backfill task.
const DefaultMaxAttempts = 5

// BackfillTask is one unit of backfill work.
type BackfillTask struct {
	ID           int64      `json:"id" db:"id"`
	AssetID      *int64     `json:"asset_id,omitempty" db:"asset_id"`
	Symbol       string     `json:"symbol" db:"symbol"`
	StartDate    time.Time  `json:"start_date" db:"start_date"`
	EndDate      time.Time  `json:"end_date" db:"end_date"`
	Status       TaskStatus `json:"status" db:"status"`
	Attempts     int        `json:"attempts" db:"attempts"`
	MaxAttempts  int        `json:"max_attempts" db:"max_attempts"`
	RetryAfter   *time.Time `json:"retry_after,omitempty" db:"retry_after"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// DaysInRange returns the number of calendar days covered by the task.
func (t BackfillTask) DaysInRange() int {
	return int(t.EndDate.Sub(t.StartDate).Hours() / 24)
}

// ProcessingResult is the outcome of processing one task.
type ProcessingResult struct {
	Symbol          string  `json:"symbol"`
	Success         bool    `json:"success"`
	RecordsInserted int     `json:"records_inserted"`
	RecordsSkipped  int     `json:"records_skipped"`
	CompletenessPct float64 `json:"completeness_pct"`
	DurationSeconds float64 `json:"duration_seconds"`
	ErrorMessage    *string `json:"error_message,omitempty"`
}

// BackfillReport aggregates the results of one backfill run.
type BackfillReport struct {
	TotalSymbols         int       `json:"total_symbols"`
	Successful           int       `json:"successful"`
	Failed               int       `json:"failed"`
	TotalRecordsInserted int       `json:"total_records_inserted"`
	TotalRecordsSkipped  int       `json:"total_records_skipped"`
	AverageCompleteness  float64   `json:"average_completeness"`
	StartTime            time.Time `json:"start_time"`
	EndTime              time.Time `json:"end_time"`
	FailedSymbols        []string  `json:"failed_symbols"`
	Interrupted          bool      `json:"interrupted"`
}

// DurationSeconds returns the wall-clock length of the run.
func (r BackfillReport) DurationSeconds() float64 {
	return r.EndTime.Sub(r.StartTime).Seconds()
}

// QueueSummary counts backfill_queue rows by status.
type QueueSummary map[TaskStatus]int
