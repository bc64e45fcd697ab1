package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/irfndi/celebrum-fetcher/internal/fetcher"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureUnexpected},
		{"rate limit", &fetcher.RateLimitError{StatusCode: 429, RetryAfter: time.Minute}, FailureRateLimited},
		{"wrapped rate limit", fmt.Errorf("fetch: %w", &fetcher.RateLimitError{StatusCode: 429}), FailureRateLimited},
		{"storage", &StorageError{Op: "insert_prices", Err: errors.New("conn reset")}, FailureStorage},
		{"no data", fetcher.ErrNoData, FailureNoData},
		{"invalid symbol", fmt.Errorf("%w: %q", fetcher.ErrInvalidSymbol, "x"), FailureNoData},
		{"timeout", fetcher.ErrTimeout, FailureTimeout},
		{"deadline", context.DeadlineExceeded, FailureTimeout},
		{"network", fmt.Errorf("%w: HTTP 502", fetcher.ErrNetwork), FailureNetwork},
		{"circuit open", ErrCircuitOpen, FailureNetwork},
		{"anything else", errors.New("boom"), FailureUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestFailureKind_String(t *testing.T) {
	assert.Equal(t, "no_data", FailureNoData.String())
	assert.Equal(t, "timeout", FailureTimeout.String())
	assert.Equal(t, "network", FailureNetwork.String())
	assert.Equal(t, "rate_limited", FailureRateLimited.String())
	assert.Equal(t, "storage", FailureStorage.String())
	assert.Equal(t, "unexpected", FailureUnexpected.String())
}

func TestErrorTypes(t *testing.T) {
	cause := errors.New("disk full")

	storageErr := &StorageError{Op: "touch_tracked", Err: cause}
	assert.ErrorIs(t, storageErr, cause)
	assert.Equal(t, "storage error during touch_tracked: disk full", storageErr.Error())

	cfgErr := &ConfigError{Path: "symbols.json", Reason: "invalid JSON", Err: cause}
	assert.ErrorIs(t, cfgErr, cause)
	assert.Equal(t, "invalid symbol configuration symbols.json: invalid JSON: disk full", cfgErr.Error())

	bare := &ConfigError{Path: "--symbols", Reason: "no valid symbols given"}
	assert.Equal(t, "invalid symbol configuration --symbols: no valid symbols given", bare.Error())
}
