package services

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

const maxCycleDurations = 100

// StatisticsTracker keeps the daemon's cycle counters.
type StatisticsTracker struct {
	tracked TrackedStore
	store   StatisticsStore
	logger  *logrus.Logger
	now     func() time.Time

	mu               sync.Mutex
	startTime        time.Time
	totalCycles      int
	successfulCycles int
	durations        []float64
	active           map[string]time.Time
}

// NewStatisticsTracker creates a tracker whose uptime starts now.
func NewStatisticsTracker(tracked TrackedStore, store StatisticsStore, logger *logrus.Logger) *StatisticsTracker {
	return &StatisticsTracker{
		tracked:   tracked,
		store:     store,
		logger:    logger,
		now:       time.Now,
		startTime: time.Now(),
		durations: make([]float64, 0, maxCycleDurations),
		active:    make(map[string]time.Time),
	}
}

// RecordCycleStart opens a cycle and returns its id.
func (t *StatisticsTracker) RecordCycleStart() string {
	id := uuid.NewString()

	t.mu.Lock()
	t.active[id] = t.now()
	t.mu.Unlock()

	return id
}

// RecordCycleEnd closes the cycle id. Ending a cycle that was never started,
// or ending it twice, returns ErrUnknownCycle and changes nothing.
func (t *StatisticsTracker) RecordCycleEnd(id string, success bool, duration time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[id]; !ok {
		return ErrUnknownCycle
	}
	delete(t.active, id)

	t.totalCycles++
	if success {
		t.successfulCycles++
	}
	if len(t.durations) == maxCycleDurations {
		copy(t.durations, t.durations[1:])
		t.durations = t.durations[:maxCycleDurations-1]
	}
	t.durations = append(t.durations, duration.Seconds())
	return nil
}

// ActiveCycles returns the number of cycles started but not yet ended.
func (t *StatisticsTracker) ActiveCycles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// GetStatistics returns the current snapshot. A failing tracked asset count
// is logged and reported as zero.
func (t *StatisticsTracker) GetStatistics(ctx context.Context) models.StatisticsSnapshot {
	tracked, err := t.tracked.CountTracked(ctx)
	if err != nil {
		t.logger.WithError(err).Warn("Failed to count tracked assets")
		tracked = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	snap := models.StatisticsSnapshot{
		Timestamp:        now,
		UptimeSeconds:    int64(now.Sub(t.startTime).Seconds()),
		TotalCycles:      t.totalCycles,
		SuccessfulCycles: t.successfulCycles,
		FailedCycles:     t.totalCycles - t.successfulCycles,
		AssetsTracked:    tracked,
	}
	if t.totalCycles > 0 {
		snap.SuccessRate = round2(float64(t.successfulCycles) / float64(t.totalCycles) * 100)
	}
	if n := len(t.durations); n > 0 {
		var sum float64
		for _, d := range t.durations {
			sum += d
		}
		snap.AverageCycleDuration = round2(sum / float64(n))
		snap.LastCycleDuration = round2(t.durations[n-1])
	}
	return snap
}

// PersistStatistics writes the current snapshot to fetcher_statistics.
func (t *StatisticsTracker) PersistStatistics(ctx context.Context) (models.StatisticsSnapshot, error) {
	snap := t.GetStatistics(ctx)
	if err := t.store.InsertStatistics(ctx, snap); err != nil {
		return snap, err
	}
	t.logger.WithFields(logrus.Fields{
		"total_cycles":   snap.TotalCycles,
		"success_rate":   snap.SuccessRate,
		"assets_tracked": snap.AssetsTracked,
	}).Debug("Persisted statistics")
	return snap, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
