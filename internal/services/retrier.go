package services

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Operation names with a registered RetryPolicy. Unknown names fall back to
// OpStoreWrite.
const (
	OpTrackedAssetUpsert = "tracked_asset_upsert"
	OpStoreWrite         = "store_write"
)

// RetryPolicy is an exponential schedule: InitialDelay grows by
// BackoffFactor per retry and never exceeds MaxDelay.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

func (p RetryPolicy) schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}

// DefaultRetryPolicies returns a fresh copy of the built-in policies.
func DefaultRetryPolicies() map[string]RetryPolicy {
	return map[string]RetryPolicy{
		OpTrackedAssetUpsert: {
			MaxRetries:    2,
			InitialDelay:  time.Second,
			MaxDelay:      4 * time.Second,
			BackoffFactor: 2,
		},
		OpStoreWrite: {
			MaxRetries:    3,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 1.5,
			JitterEnabled: true,
		},
	}
}

// Retrier re-runs store writes that can fail transiently, such as
// deadlocks and dropped connections.
type Retrier struct {
	logger *logrus.Logger
	sleep  SleepFunc

	mu       sync.RWMutex
	policies map[string]RetryPolicy
}

// NewRetrier returns a Retrier loaded with DefaultRetryPolicies.
func NewRetrier(logger *logrus.Logger) *Retrier {
	return &Retrier{
		logger:   logger,
		sleep:    ContextSleep,
		policies: DefaultRetryPolicies(),
	}
}

// SetPolicy adds or replaces the policy for op.
func (r *Retrier) SetPolicy(op string, p RetryPolicy) {
	r.mu.Lock()
	r.policies[op] = p
	r.mu.Unlock()
}

func (r *Retrier) policyFor(op string) RetryPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[op]; ok {
		return p
	}
	return r.policies[OpStoreWrite]
}

// Do calls fn until it returns nil or the policy for op gives up, and
// returns fn's last error. A cancelled ctx stops the loop with ctx's error.
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	p := r.policyFor(op)
	sched := p.schedule()
	log := r.logger.WithField("operation", op)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.WithField("attempts", attempt).Info("Store write succeeded on retry")
			}
			return nil
		}

		wait := sched.NextBackOff()
		if wait == backoff.Stop {
			log.WithField("attempts", attempt).WithError(err).Error("Store write failed, giving up")
			return err
		}
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Warn("Store write failed, retrying")

		if err := r.sleep(ctx, jittered(wait, p.JitterEnabled)); err != nil {
			return err
		}
	}
}

// jittered stretches d by up to a quarter.
func jittered(d time.Duration, enabled bool) time.Duration {
	if !enabled || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
