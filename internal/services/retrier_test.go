package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetrier(clock *fakeClock) *Retrier {
	r := NewRetrier(newTestLogger())
	r.sleep = clock.Sleep
	return r
}

func TestRetrier_SucceedsAfterRetries(t *testing.T) {
	clock := newFakeClock(t0)
	r := newTestRetrier(clock)

	calls := 0
	err := r.Do(context.Background(), OpTrackedAssetUpsert, func() error {
		calls++
		if calls < 3 {
			return errors.New("deadlock detected")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestRetrier_ReturnsLastError(t *testing.T) {
	r := newTestRetrier(newFakeClock(t0))

	calls := 0
	err := r.Do(context.Background(), OpTrackedAssetUpsert, func() error {
		calls++
		return errors.New("still failing")
	})

	assert.EqualError(t, err, "still failing")
	assert.Equal(t, 3, calls)
}

func TestRetrier_UnknownOperationUsesStoreWritePolicy(t *testing.T) {
	r := newTestRetrier(newFakeClock(t0))

	calls := 0
	_ = r.Do(context.Background(), "something_new", func() error {
		calls++
		return errors.New("nope")
	})
	assert.Equal(t, DefaultRetryPolicies()[OpStoreWrite].MaxRetries+1, calls)
}

func TestRetrier_DelayIsCapped(t *testing.T) {
	clock := newFakeClock(t0)
	r := newTestRetrier(clock)
	r.SetPolicy("capped", RetryPolicy{
		MaxRetries:    4,
		InitialDelay:  time.Second,
		MaxDelay:      3 * time.Second,
		BackoffFactor: 2,
	})

	_ = r.Do(context.Background(), "capped", func() error { return errors.New("x") })
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, clock.Sleeps())
}

func TestRetrier_StopsOnCancel(t *testing.T) {
	r := newTestRetrier(newFakeClock(t0))
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Do(ctx, OpTrackedAssetUpsert, func() error {
		calls++
		cancel()
		return errors.New("fail")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetrier_DefaultPoliciesAreCopies(t *testing.T) {
	r := newTestRetrier(newFakeClock(t0))
	r.SetPolicy(OpStoreWrite, RetryPolicy{})
	assert.Equal(t, 3, DefaultRetryPolicies()[OpStoreWrite].MaxRetries)
}

func TestJittered(t *testing.T) {
	assert.Equal(t, time.Second, jittered(time.Second, false))
	assert.Equal(t, time.Duration(0), jittered(0, true))

	for i := 0; i < 50; i++ {
		d := jittered(time.Second, true)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Second+250*time.Millisecond)
	}
}
