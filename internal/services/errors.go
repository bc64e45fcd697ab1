package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/irfndi/celebrum-fetcher/internal/fetcher"
)

var (
	// ErrInterrupted is returned by BackfillOrchestrator.Run when a shutdown
	// was requested before every task was processed.
	ErrInterrupted = errors.New("backfill interrupted by shutdown request")
	// ErrUnknownCycle is returned when a cycle is ended without a matching start.
	ErrUnknownCycle = errors.New("unknown cycle id")
	// ErrCircuitOpen is returned while a circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ConfigError reports a symbol catalog that cannot be used.
type ConfigError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid symbol configuration %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid symbol configuration %s: %s", e.Path, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure inside task processing.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// FailureKind classifies why a task failed.
type FailureKind int

const (
	FailureUnexpected FailureKind = iota
	FailureNoData
	FailureTimeout
	FailureNetwork
	FailureRateLimited
	FailureStorage
)

func (k FailureKind) String() string {
	switch k {
	case FailureNoData:
		return "no_data"
	case FailureTimeout:
		return "timeout"
	case FailureNetwork:
		return "network"
	case FailureRateLimited:
		return "rate_limited"
	case FailureStorage:
		return "storage"
	default:
		return "unexpected"
	}
}

// ClassifyError maps an error returned while processing a task to its kind.
func ClassifyError(err error) FailureKind {
	var storageErr *StorageError
	switch {
	case err == nil:
		return FailureUnexpected
	case fetcher.IsRateLimit(err):
		return FailureRateLimited
	case errors.As(err, &storageErr):
		return FailureStorage
	case errors.Is(err, fetcher.ErrNoData), errors.Is(err, fetcher.ErrInvalidSymbol):
		return FailureNoData
	case errors.Is(err, fetcher.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, fetcher.ErrNetwork), errors.Is(err, ErrCircuitOpen):
		return FailureNetwork
	default:
		return FailureUnexpected
	}
}
