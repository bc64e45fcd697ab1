package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-fetcher/internal/config"
	"github.com/irfndi/celebrum-fetcher/internal/fetcher"
	"github.com/irfndi/celebrum-fetcher/internal/models"
)

var (
	windowStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	fetchEnd    = time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC)
)

type processorFixture struct {
	store     *fakeStore
	clock     *fakeClock
	fetcher   *mockFetcher
	limiter   *RateLimiter
	processor *SymbolProcessor
	assetID   int64
	task      models.BackfillTask
}

func newProcessorFixture(t *testing.T, breaker *CircuitBreaker) *processorFixture {
	t.Helper()
	store := newFakeStore()
	clock := newFakeClock(t0)
	f := &mockFetcher{}
	limiter := newTestLimiter(clock, config.RateLimitConfig{MinDelay: time.Second, BackoffBase: 5 * time.Second})

	assetID := store.addAsset("AAPL", models.AssetTypeStock)
	id := assetID
	taskID := store.addTask(models.BackfillTask{
		AssetID:   &id,
		Symbol:    "AAPL",
		StartDate: windowStart,
		EndDate:   windowEnd,
	})

	p := NewSymbolProcessor(f, store.repos(), limiter, breaker, nil, newTestLogger())
	p.now = clock.Now

	t.Cleanup(func() { f.AssertExpectations(t) })
	return &processorFixture{
		store:     store,
		clock:     clock,
		fetcher:   f,
		limiter:   limiter,
		processor: p,
		assetID:   assetID,
		task:      store.task(taskID),
	}
}

func lastStatus(t *testing.T, store *fakeStore) statusCall {
	t.Helper()
	updates := store.statusUpdates()
	require.NotEmpty(t, updates)
	return updates[len(updates)-1]
}

func TestSymbolProcessor_Success(t *testing.T) {
	fx := newProcessorFixture(t, nil)

	points := dailyPoints(windowStart, 100, 101, 102, 103, 104, 105, 106, 107, 108, 109)
	points[3].Close.Valid = false
	points[6].Volume = models.Int64Ptr(-10)
	fx.store.prices[fx.assetID] = []models.PricePoint{points[0]}

	fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
		Return(&models.AssetData{Symbol: "AAPL", Prices: points}, nil).Once()

	result := fx.processor.Process(context.Background(), fx.task)

	require.True(t, result.Success, derefString(result.ErrorMessage))
	assert.Equal(t, "AAPL", result.Symbol)
	assert.Equal(t, 7, result.RecordsInserted)
	// one duplicate plus two invalid records
	assert.Equal(t, 3, result.RecordsSkipped)
	// 8 valid records against 30*252/365 = 20 expected trading days
	assert.Equal(t, 40.0, result.CompletenessPct)
	assert.Nil(t, result.ErrorMessage)

	updates := fx.store.statusUpdates()
	require.Len(t, updates, 2)
	assert.Equal(t, models.TaskStatusInProgress, updates[0].Update.Status)
	assert.Equal(t, models.TaskStatusCompleted, updates[1].Update.Status)
	assert.False(t, updates[1].Update.IncrementAttempts)

	assert.Equal(t, []int64{fx.assetID}, fx.store.touched)
	assert.Len(t, fx.store.prices[fx.assetID], 8)
	assert.Equal(t, 1, fx.limiter.HourlyCount())
}

func TestSymbolProcessor_NoData(t *testing.T) {
	fx := newProcessorFixture(t, nil)
	fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
		Return(&models.AssetData{Symbol: "AAPL"}, nil).Once()

	result := fx.processor.Process(context.Background(), fx.task)

	assert.False(t, result.Success)
	assert.Equal(t, "Failed to fetch data for AAPL - API returned no data", *result.ErrorMessage)

	last := lastStatus(t, fx.store)
	assert.Equal(t, models.TaskStatusFailed, last.Update.Status)
	assert.True(t, last.Update.IncrementAttempts)
	require.NotNil(t, last.Update.RetryAfter)
	assert.Equal(t, fx.clock.Now().Add(5*time.Second), *last.Update.RetryAfter)
	assert.Equal(t, 1, fx.store.task(fx.task.ID).Attempts)
	assert.Empty(t, fx.clock.Sleeps())
}

func TestSymbolProcessor_NilDataIsNoData(t *testing.T) {
	fx := newProcessorFixture(t, nil)
	fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
		Return(nil, nil).Once()

	result := fx.processor.Process(context.Background(), fx.task)
	assert.Contains(t, *result.ErrorMessage, "API returned no data")
}

func TestSymbolProcessor_RateLimited(t *testing.T) {
	fx := newProcessorFixture(t, nil)
	fx.task.Attempts = 2
	fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
		Return(nil, &fetcher.RateLimitError{StatusCode: 429, RetryAfter: 30 * time.Second}).Once()

	result := fx.processor.Process(context.Background(), fx.task)

	assert.False(t, result.Success)
	assert.Equal(t, "Rate limited (attempt 3)", *result.ErrorMessage)
	assert.Equal(t, []time.Duration{20 * time.Second}, fx.clock.Sleeps())

	last := lastStatus(t, fx.store)
	assert.Equal(t, models.TaskStatusRateLimited, last.Update.Status)
	assert.Equal(t, "Rate limited, retry after 30s", *last.Update.ErrorMessage)
	assert.Equal(t, t0.Add(20*time.Second+30*time.Second), *last.Update.RetryAfter)
	assert.True(t, last.Update.IncrementAttempts)
}

func TestSymbolProcessor_FailureMessages(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
		delay   time.Duration
	}{
		{
			name:    "timeout",
			err:     fmt.Errorf("%w after 30s", fetcher.ErrTimeout),
			wantMsg: "Timeout fetching AAPL: request timed out after 30s",
			delay:   5 * time.Second,
		},
		{
			name:    "network",
			err:     fmt.Errorf("%w: HTTP 503", fetcher.ErrNetwork),
			wantMsg: "Network error fetching AAPL: network error: HTTP 503",
			delay:   5 * time.Second,
		},
		{
			name:    "unexpected",
			err:     errors.New("decoder exploded"),
			wantMsg: "Unexpected error processing AAPL: decoder exploded",
			delay:   5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newProcessorFixture(t, nil)
			fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
				Return(nil, tt.err).Once()

			result := fx.processor.Process(context.Background(), fx.task)

			assert.False(t, result.Success)
			assert.Equal(t, tt.wantMsg, *result.ErrorMessage)
			last := lastStatus(t, fx.store)
			assert.Equal(t, models.TaskStatusFailed, last.Update.Status)
			assert.Equal(t, tt.wantMsg, *last.Update.ErrorMessage)
			assert.Equal(t, fx.clock.Now().Add(tt.delay), *last.Update.RetryAfter)
		})
	}
}

func TestSymbolProcessor_BackoffGrowsWithAttempts(t *testing.T) {
	fx := newProcessorFixture(t, nil)
	fx.task.Attempts = 3
	fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
		Return(nil, fetcher.ErrTimeout).Once()

	fx.processor.Process(context.Background(), fx.task)

	last := lastStatus(t, fx.store)
	assert.Equal(t, fx.clock.Now().Add(40*time.Second), *last.Update.RetryAfter)
}

func TestSymbolProcessor_StorageError(t *testing.T) {
	fx := newProcessorFixture(t, nil)
	fx.store.insertErr = errors.New("connection reset")
	fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
		Return(&models.AssetData{Prices: dailyPoints(windowStart, 100, 101)}, nil).Once()

	result := fx.processor.Process(context.Background(), fx.task)

	assert.False(t, result.Success)
	assert.Equal(t, "Database error storing AAPL: storage error during insert_prices: connection reset", *result.ErrorMessage)
	assert.Equal(t, models.TaskStatusFailed, lastStatus(t, fx.store).Update.Status)
	assert.Empty(t, fx.store.touched)
}

func TestSymbolProcessor_AllRecordsInvalid(t *testing.T) {
	fx := newProcessorFixture(t, nil)
	points := dailyPoints(windowStart, 100, 101)
	for i := range points {
		points[i].Volume = nil
	}
	fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
		Return(&models.AssetData{Prices: points}, nil).Once()

	result := fx.processor.Process(context.Background(), fx.task)

	assert.True(t, result.Success)
	assert.Zero(t, result.RecordsInserted)
	assert.Equal(t, 2, result.RecordsSkipped)
	assert.Zero(t, result.CompletenessPct)
	assert.Equal(t, models.TaskStatusCompleted, lastStatus(t, fx.store).Update.Status)
}

func TestSymbolProcessor_RecoversFromPanic(t *testing.T) {
	fx := newProcessorFixture(t, nil)
	fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
		Run(func(mock.Arguments) { panic("kaboom") }).
		Return(nil, nil).Once()

	var result models.ProcessingResult
	require.NotPanics(t, func() {
		result = fx.processor.Process(context.Background(), fx.task)
	})

	assert.False(t, result.Success)
	assert.Equal(t, "Unexpected error processing AAPL: panic: kaboom", *result.ErrorMessage)
	assert.Equal(t, models.TaskStatusFailed, lastStatus(t, fx.store).Update.Status)
}

func TestSymbolProcessor_StatusUpdateFailureIsNotFatal(t *testing.T) {
	fx := newProcessorFixture(t, nil)
	fx.store.updateErr = errors.New("queue table locked")
	fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
		Return(&models.AssetData{Prices: dailyPoints(windowStart, 100)}, nil).Once()

	result := fx.processor.Process(context.Background(), fx.task)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.RecordsInserted)
}

func TestSymbolProcessor_CancelledWaitStillRecordsFailure(t *testing.T) {
	fx := newProcessorFixture(t, nil)
	fx.limiter.RecordRequest()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := fx.processor.Process(ctx, fx.task)

	assert.False(t, result.Success)
	last := lastStatus(t, fx.store)
	assert.Equal(t, models.TaskStatusFailed, last.Update.Status)
	assert.NotEqual(t, models.TaskStatusInProgress, fx.store.task(fx.task.ID).Status)
}

func TestSymbolProcessor_OpenCircuitSkipsProvider(t *testing.T) {
	clock := newFakeClock(t0)
	breaker := newTestBreaker(clock, 1)
	fx := newProcessorFixture(t, breaker)

	fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
		Return(nil, fetcher.ErrNetwork).Once()

	first := fx.processor.Process(context.Background(), fx.task)
	require.False(t, first.Success)
	require.Equal(t, Open, breaker.GetState())

	second := fx.processor.Process(context.Background(), fx.task)
	assert.False(t, second.Success)
	assert.Equal(t, "Network error fetching AAPL: circuit breaker is open", *second.ErrorMessage)
	assert.Equal(t, 1, fx.limiter.HourlyCount())
}

func TestSymbolProcessor_NoDataDoesNotTripBreaker(t *testing.T) {
	breaker := newTestBreaker(newFakeClock(t0), 1)
	fx := newProcessorFixture(t, breaker)
	fx.fetcher.On("FetchHistorical", mock.Anything, "AAPL", windowStart, fetchEnd).
		Return(nil, fetcher.ErrNoData).Twice()

	fx.processor.Process(context.Background(), fx.task)
	fx.processor.Process(context.Background(), fx.task)

	assert.Equal(t, Closed, breaker.GetState())
}
