package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/config"
)

// CircuitBreakerState is the position of a CircuitBreaker.
type CircuitBreakerState int

const (
	Closed CircuitBreakerState = iota
	Open
	HalfOpen
)

var breakerStateNames = map[CircuitBreakerState]string{
	Closed:   "closed",
	Open:     "open",
	HalfOpen: "half-open",
}

func (s CircuitBreakerState) String() string {
	if name, ok := breakerStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// CircuitBreakerStats counts calls seen by a breaker since it was built.
type CircuitBreakerStats struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	RejectedRequests   int64     `json:"rejected_requests"`
	LastFailureTime    time.Time `json:"last_failure_time"`
	LastSuccessTime    time.Time `json:"last_success_time"`
	StateChanges       int64     `json:"state_changes"`
}

// CircuitBreaker guards calls to the price provider. After FailureThreshold
// consecutive outages it rejects calls for Timeout, then lets trial calls
// through until SuccessThreshold of them succeed or one fails.
type CircuitBreaker struct {
	name   string
	config config.CircuitBreakerConfig
	logger *logrus.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     CircuitBreakerState
	streak    int // consecutive failures while closed, consecutive successes while half-open
	openUntil time.Time
	stats     CircuitBreakerStats
}

// NewCircuitBreaker builds a closed breaker. Zero config values fall back to
// 5 failures, 2 half-open successes and a one minute cooldown.
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig, logger *logrus.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &CircuitBreaker{name: name, config: cfg, logger: logger, now: time.Now}
}

// Execute calls fn unless the breaker is rejecting, in which case it returns
// ErrCircuitOpen without calling it. Only errors accepted by countsAsFailure
// move the breaker towards open; with a nil predicate every error does.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error, countsAsFailure func(error) bool) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	failed := err != nil && (countsAsFailure == nil || countsAsFailure(err))
	cb.record(failed, err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++
	if cb.state != Open {
		return nil
	}
	if cb.now().Before(cb.openUntil) {
		cb.stats.RejectedRequests++
		cb.logger.WithFields(logrus.Fields{
			"breaker":    cb.name,
			"reopens_in": cb.openUntil.Sub(cb.now()).String(),
		}).Debug("Provider call short-circuited")
		return ErrCircuitOpen
	}
	cb.moveTo(HalfOpen)
	return nil
}

func (cb *CircuitBreaker) record(failed bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	at := cb.now()
	if !failed {
		cb.stats.SuccessfulRequests++
		cb.stats.LastSuccessTime = at
		switch cb.state {
		case Closed:
			cb.streak = 0
		case HalfOpen:
			cb.streak++
			if cb.streak >= cb.config.SuccessThreshold {
				cb.moveTo(Closed)
			}
		}
		return
	}

	cb.stats.FailedRequests++
	cb.stats.LastFailureTime = at
	switch cb.state {
	case Closed:
		cb.streak++
		if cb.streak >= cb.config.FailureThreshold {
			cb.moveTo(Open)
		}
	case HalfOpen:
		cb.moveTo(Open)
	}
	cb.logger.WithFields(logrus.Fields{
		"breaker": cb.name,
		"state":   cb.state.String(),
		"streak":  cb.streak,
	}).WithError(err).Debug("Provider outage recorded")
}

// moveTo switches state and clears the streak. Callers hold mu.
func (cb *CircuitBreaker) moveTo(next CircuitBreakerState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.streak = 0
	cb.stats.StateChanges++
	if next == Open {
		cb.openUntil = cb.now().Add(cb.config.Timeout)
	}

	entry := cb.logger.WithFields(logrus.Fields{
		"breaker": cb.name,
		"from":    prev.String(),
		"to":      next.String(),
	})
	if next == Open {
		entry.WithField("cooldown", cb.config.Timeout.String()).Warn("Provider breaker opened")
		return
	}
	entry.Info("Provider breaker changed state")
}

func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns a copy of the counters.
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// Reset closes the breaker regardless of its current state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(Closed)
	cb.streak = 0
}
