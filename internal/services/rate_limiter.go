package services

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/config"
)

const rateWindow = time.Hour

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the production SleepFunc.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RateLimiter throttles provider requests with a minimum spacing, an hourly
// quota over a sliding window and exponential backoff after HTTP 429.
//
// WaitIfNeeded books a send slot under the lock, so concurrent callers are
// spaced against each other's bookings. Every successful WaitIfNeeded must be
// followed by RecordRequest once the request is sent, or by Release when it
// is not.
type RateLimiter struct {
	minDelay    time.Duration
	hourlyLimit int
	backoffBase time.Duration
	logger      *logrus.Logger

	mu       sync.Mutex
	lastSent time.Time
	window   []time.Time // sent requests
	pending  []time.Time // booked slots not yet recorded, ascending

	now   func() time.Time
	sleep SleepFunc
}

// NewRateLimiter creates a rate limiter from configuration.
func NewRateLimiter(cfg config.RateLimitConfig, logger *logrus.Logger) *RateLimiter {
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.HourlyLimit <= 0 {
		cfg.HourlyLimit = 1800
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}

	logger.WithFields(logrus.Fields{
		"min_delay":    cfg.MinDelay,
		"hourly_limit": cfg.HourlyLimit,
	}).Info("Rate limiter initialized")

	return &RateLimiter{
		minDelay:    cfg.MinDelay,
		hourlyLimit: cfg.HourlyLimit,
		backoffBase: cfg.BackoffBase,
		logger:      logger,
		now:         time.Now,
		sleep:       ContextSleep,
	}
}

// WaitIfNeeded books the next free send slot and blocks until it arrives.
// It only returns an error when ctx ends while waiting, in which case the
// slot is given back.
func (r *RateLimiter) WaitIfNeeded(ctx context.Context) error {
	r.mu.Lock()
	now := r.now()
	r.cleanupLocked(now)

	slot := now
	if last := r.lastBookedLocked(); !last.IsZero() && last.Add(r.minDelay).After(slot) {
		slot = last.Add(r.minDelay)
	}
	spacing := slot.Sub(now)

	booked := r.bookedSinceLocked(slot.Add(-rateWindow))
	if n := len(booked); n >= r.hourlyLimit {
		if free := booked[n-r.hourlyLimit].Add(rateWindow); free.After(slot) {
			slot = free
		}
	}
	r.pending = append(r.pending, slot)
	r.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
	}
	if wait > spacing {
		r.logger.WithFields(logrus.Fields{
			"hourly_limit":  r.hourlyLimit,
			"current_count": len(booked),
			"pause_seconds": wait.Seconds(),
		}).Warn("Hourly request limit reached, pausing")
	} else {
		r.logger.WithField("delay", wait).Debug("Enforcing minimum delay between requests")
	}

	if err := r.sleep(ctx, wait); err != nil {
		r.mu.Lock()
		r.dropPendingLocked(slot)
		r.mu.Unlock()
		return err
	}
	return nil
}

// RecordRequest must be called right after each provider request. It
// consumes the oldest booked slot.
func (r *RateLimiter) RecordRequest() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.pending) > 0 {
		r.pending = r.pending[1:]
	}
	if now.After(r.lastSent) {
		r.lastSent = now
	}
	r.window = append(r.window, now)
	r.cleanupLocked(now)

	r.logger.WithFields(logrus.Fields{
		"hourly_count": len(r.window),
		"hourly_limit": r.hourlyLimit,
	}).Debug("Request recorded")
}

// Release gives back the oldest booked slot when no request was sent for it.
func (r *RateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) > 0 {
		r.pending = r.pending[1:]
	}
}

func (r *RateLimiter) lastBookedLocked() time.Time {
	last := r.lastSent
	if n := len(r.pending); n > 0 && r.pending[n-1].After(last) {
		last = r.pending[n-1]
	}
	return last
}

// bookedSinceLocked returns sent and booked times after cutoff, ascending.
func (r *RateLimiter) bookedSinceLocked(cutoff time.Time) []time.Time {
	var out []time.Time
	for _, ts := range r.window {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	for _, ts := range r.pending {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

func (r *RateLimiter) dropPendingLocked(slot time.Time) {
	for i, ts := range r.pending {
		if ts.Equal(slot) {
			r.pending = slices.Delete(r.pending, i, i+1)
			return
		}
	}
}

// HourlyCount returns the number of requests in the last hour.
func (r *RateLimiter) HourlyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupLocked(r.now())
	return len(r.window)
}

// CleanupWindow drops every recorded request that is an hour or more older than now.
func (r *RateLimiter) CleanupWindow(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanupLocked(now)
}

func (r *RateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	kept := r.window[:0]
	for _, ts := range r.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.window = kept
}

// BackoffDelay returns the exponential backoff base*2^(attempt-1). Attempts
// below 1 are treated as the first attempt.
func (r *RateLimiter) BackoffDelay(attempt int) time.Duration {
	return BackoffDelay(r.backoffBase, attempt)
}

// HandleRateLimitError sleeps for the backoff of attempt after a provider
// rate limit response and returns the delay it waited.
func (r *RateLimiter) HandleRateLimitError(ctx context.Context, attempt int) (time.Duration, error) {
	delay := r.BackoffDelay(attempt)

	r.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Warn("Rate limit error encountered, backing off")

	if err := r.sleep(ctx, delay); err != nil {
		return delay, err
	}
	return delay, nil
}

// BackoffDelay returns base*2^(attempt-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// cap the shift so very large attempt counts cannot overflow
	if attempt > 20 {
		attempt = 20
	}
	return base * time.Duration(1<<uint(attempt-1))
}
