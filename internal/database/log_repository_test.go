package database

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

func TestLogRepository_InsertLog(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO fetcher_logs").
		WithArgs(ts, "ERROR", "fetch failed", []byte(`{"symbol":"AAPL"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewLogRepository(mock).InsertLog(context.Background(), models.LogEntry{
		Timestamp: ts,
		Level:     "ERROR",
		Message:   "fetch failed",
		Context:   map[string]interface{}{"symbol": "AAPL"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogRepository_InsertLog_NoContext(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO fetcher_logs").
		WithArgs(ts, "INFO", "started", []byte(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewLogRepository(mock).InsertLog(context.Background(), models.LogEntry{Timestamp: ts, Level: "INFO", Message: "started"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogRepository_InsertStatistics(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	snap := models.StatisticsSnapshot{
		Timestamp:            time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		UptimeSeconds:        3600,
		TotalCycles:          6,
		SuccessfulCycles:     5,
		FailedCycles:         1,
		SuccessRate:          83.33,
		AverageCycleDuration: 12.5,
		AssetsTracked:        40,
	}

	mock.ExpectExec("INSERT INTO fetcher_statistics").
		WithArgs(snap.Timestamp, int64(3600), 6, 5, 1, 83.33, 12.5, 40).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewLogRepository(mock).InsertStatistics(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogRepository_InsertPriceUpdateLog(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	msg := "no data"
	entry := models.PriceUpdateLogEntry{
		AssetID:      3,
		Timestamp:    time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Success:      false,
		ErrorMessage: &msg,
		DurationMs:   250,
	}

	mock.ExpectExec("INSERT INTO price_update_log").
		WithArgs(int64(3), entry.Timestamp, (*float64)(nil), false, &msg, int64(250)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewLogRepository(mock).InsertPriceUpdateLog(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}
