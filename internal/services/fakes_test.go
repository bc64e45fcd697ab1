package services

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/irfndi/celebrum-fetcher/internal/config"
	"github.com/irfndi/celebrum-fetcher/internal/database"
	"github.com/irfndi/celebrum-fetcher/internal/models"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeClock is a manual clock whose Sleep advances time instead of blocking.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func newTestLimiter(clock *fakeClock, cfg config.RateLimitConfig) *RateLimiter {
	l := NewRateLimiter(cfg, newTestLogger())
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) (*models.AssetData, error) {
	args := m.Called(ctx, symbol, start, end)
	data, _ := args.Get(0).(*models.AssetData)
	return data, args.Error(1)
}

func (m *mockFetcher) FetchCurrent(ctx context.Context, symbol string) (*models.PricePoint, error) {
	args := m.Called(ctx, symbol)
	point, _ := args.Get(0).(*models.PricePoint)
	return point, args.Error(1)
}

func (m *mockFetcher) ValidateSymbol(symbol string) bool {
	return m.Called(symbol).Bool(0)
}

type statusCall struct {
	ID     int64
	Update database.StatusUpdate
}

// fakeStore is an in-memory implementation of every store interface.
type fakeStore struct {
	mu sync.Mutex

	assets      map[int64]*models.Asset
	nextAssetID int64

	prices     map[int64][]models.PricePoint
	countErr   error
	insertErr  error
	currentErr error

	tasks       map[int64]*models.BackfillTask
	nextTaskID  int64
	eligibleErr error
	findErr     error
	updates     []statusCall
	updateErr   error
	permanent   []int64

	tracked         []models.TrackedAsset
	listTrackedErr  error
	touched         []int64
	touchErr        error
	upserts         []int64
	upsertErrs      []error
	countTrackedErr error

	snapshots []models.StatisticsSnapshot
	statsErr  error
	priceLogs []models.PriceUpdateLogEntry

	portfolioIDs []int64
	positions    map[int64][]models.PortfolioPosition
	positionErrs map[int64]error
	values       []models.PortfolioValue
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		assets:       make(map[int64]*models.Asset),
		prices:       make(map[int64][]models.PricePoint),
		tasks:        make(map[int64]*models.BackfillTask),
		positions:    make(map[int64][]models.PortfolioPosition),
		positionErrs: make(map[int64]error),
	}
}

func (f *fakeStore) repos() Repositories {
	return Repositories{
		Assets:     f,
		Prices:     f,
		Queue:      f,
		Tracked:    f,
		Stats:      f,
		Portfolios: f,
	}
}

func (f *fakeStore) addAsset(symbol string, assetType models.AssetType) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextAssetID++
	f.assets[f.nextAssetID] = &models.Asset{
		ID:        f.nextAssetID,
		Symbol:    symbol,
		AssetType: assetType,
		IsActive:  true,
	}
	return f.nextAssetID
}

func (f *fakeStore) addTask(task models.BackfillTask) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTaskID++
	task.ID = f.nextTaskID
	if task.MaxAttempts == 0 {
		task.MaxAttempts = models.DefaultMaxAttempts
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	f.tasks[task.ID] = &task
	return task.ID
}

func (f *fakeStore) task(id int64) models.BackfillTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tasks[id]
}

func (f *fakeStore) statusUpdates() []statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusCall(nil), f.updates...)
}

func (f *fakeStore) GetAssetBySymbol(_ context.Context, symbol string) (*models.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assets {
		if a.Symbol == symbol {
			cp := *a
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) GetAssetByID(_ context.Context, id int64) (*models.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assets[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) EnsureAsset(ctx context.Context, symbol string) (int64, bool, error) {
	if a, err := f.GetAssetBySymbol(ctx, symbol); err == nil {
		return a.ID, false, nil
	}
	return f.addAsset(symbol, models.AssetTypeStock), true, nil
}

func (f *fakeStore) CountPrices(_ context.Context, assetID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.prices[assetID]), nil
}

func (f *fakeStore) CountPricesInRange(_ context.Context, assetID int64, start, end time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	n := 0
	for _, p := range f.prices[assetID] {
		ts, err := p.Time()
		if err != nil {
			continue
		}
		if !ts.Before(start) && !ts.After(end) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) InsertPrices(_ context.Context, assetID int64, points []models.PricePoint, _ string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, 0, f.insertErr
	}
	existing := make(map[string]bool, len(f.prices[assetID]))
	for _, p := range f.prices[assetID] {
		existing[p.Timestamp] = true
	}
	inserted, duplicates := 0, 0
	for _, p := range points {
		if existing[p.Timestamp] {
			duplicates++
			continue
		}
		existing[p.Timestamp] = true
		f.prices[assetID] = append(f.prices[assetID], p)
		inserted++
	}
	return inserted, duplicates, nil
}

func (f *fakeStore) InsertCurrentPrice(_ context.Context, assetID int64, point models.PricePoint, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentErr != nil {
		return false, f.currentErr
	}
	for _, p := range f.prices[assetID] {
		if p.Timestamp == point.Timestamp {
			return false, nil
		}
	}
	f.prices[assetID] = append(f.prices[assetID], point)
	return true, nil
}

func (f *fakeStore) FindTask(_ context.Context, assetID int64, start, end time.Time) (models.BackfillTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return models.BackfillTask{}, f.findErr
	}
	for _, t := range f.tasks {
		if t.AssetID != nil && *t.AssetID == assetID && t.StartDate.Equal(start) && t.EndDate.Equal(end) {
			return *t, nil
		}
	}
	return models.BackfillTask{}, database.ErrNotFound
}

func (f *fakeStore) CreateTask(ctx context.Context, assetID int64, start, end time.Time, maxAttempts int) (int64, error) {
	symbol := ""
	if a, err := f.GetAssetByID(ctx, assetID); err == nil {
		symbol = a.Symbol
	}
	id := assetID
	return f.addTask(models.BackfillTask{
		AssetID:     &id,
		Symbol:      symbol,
		StartDate:   start,
		EndDate:     end,
		MaxAttempts: maxAttempts,
	}), nil
}

func (f *fakeStore) GetEligibleTasks(_ context.Context) ([]models.BackfillTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eligibleErr != nil {
		return nil, f.eligibleErr
	}
	var out []models.BackfillTask
	for _, t := range f.tasks {
		switch t.Status {
		case models.TaskStatusPending, models.TaskStatusFailed, models.TaskStatusRateLimited:
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, id int64, update database.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusCall{ID: id, Update: update})
	if f.updateErr != nil {
		return f.updateErr
	}
	if t, ok := f.tasks[id]; ok {
		t.Status = update.Status
		t.ErrorMessage = update.ErrorMessage
		t.RetryAfter = update.RetryAfter
		if update.IncrementAttempts {
			t.Attempts++
		}
	}
	return nil
}

func (f *fakeStore) MarkPermanentlyFailed(_ context.Context, id int64, maxAttempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permanent = append(f.permanent, id)
	if t, ok := f.tasks[id]; ok {
		t.Status = models.TaskStatusFailed
		t.Attempts = maxAttempts
	}
	return nil
}

func (f *fakeStore) QueueSummary(_ context.Context) (models.QueueSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary := models.QueueSummary{}
	for _, t := range f.tasks {
		summary[t.Status]++
	}
	return summary, nil
}

func (f *fakeStore) ListTracked(_ context.Context) ([]models.TrackedAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listTrackedErr != nil {
		return nil, f.listTrackedErr
	}
	return append([]models.TrackedAsset(nil), f.tracked...), nil
}

func (f *fakeStore) TouchTracked(_ context.Context, assetID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	f.touched = append(f.touched, assetID)
	return nil
}

func (f *fakeStore) UpsertTracked(_ context.Context, assetID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		if err != nil {
			return err
		}
	}
	f.upserts = append(f.upserts, assetID)
	return nil
}

func (f *fakeStore) CountTracked(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countTrackedErr != nil {
		return 0, f.countTrackedErr
	}
	return len(f.tracked), nil
}

func (f *fakeStore) InsertStatistics(_ context.Context, s models.StatisticsSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return f.statsErr
	}
	f.snapshots = append(f.snapshots, s)
	return nil
}

func (f *fakeStore) InsertPriceUpdateLog(_ context.Context, e models.PriceUpdateLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceLogs = append(f.priceLogs, e)
	return nil
}

func (f *fakeStore) ListPortfolioIDs(_ context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.portfolioIDs...), nil
}

func (f *fakeStore) GetPositions(_ context.Context, portfolioID int64) ([]models.PortfolioPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.positionErrs[portfolioID]; err != nil {
		return nil, err
	}
	return f.positions[portfolioID], nil
}

func (f *fakeStore) UpsertPortfolioValue(_ context.Context, v models.PortfolioValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = append(f.values, v)
	return nil
}

func (f *fakeStore) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

func (f *fakeStore) priceLogEntries() []models.PriceUpdateLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PriceUpdateLogEntry(nil), f.priceLogs...)
}

func dailyPoints(start time.Time, closes ...float64) []models.PricePoint {
	points := make([]models.PricePoint, 0, len(closes))
	for i, c := range closes {
		points = append(points, models.PricePoint{
			Timestamp: start.AddDate(0, 0, i).Format(time.RFC3339),
			Open:      models.NewDecimal(c),
			High:      models.NewDecimal(c + 1),
			Low:       models.NewDecimal(c - 1),
			Close:     models.NewDecimal(c),
			Volume:    models.Int64Ptr(1000),
		})
	}
	return points
}
