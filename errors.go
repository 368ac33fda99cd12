package searchcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/searchcache/internal/resource"
	"github.com/hupe1980/searchcache/pool"
)

var (
	// ErrResourceExhausted is returned when admission control rejects a new search
	// because free memory stayed below the configured minimum after a sweep.
	ErrResourceExhausted = errors.New("resource exhausted: search rejected")

	// ErrCancelled is returned to callers of an entry that was cancelled
	// (explicit removal, runaway eviction or index invalidation).
	ErrCancelled = errors.New("search cancelled")

	// ErrTimeout is returned by Entry.GetTimeout when the wait elapses first.
	// The search itself keeps running.
	ErrTimeout = errors.New("timed out waiting for search")

	// ErrClosed is returned when the cache or its worker pool is closed.
	ErrClosed = errors.New("search cache closed")

	// ErrInvalidConfig is returned for configurations that fail validation.
	ErrInvalidConfig = errors.New("invalid config")
)

// ExecutionError wraps a failure raised by a search task.
//
// The original error can be accessed via errors.Unwrap.
type ExecutionError struct {
	EntryID uint64
	Key     string
	// Stack holds a truncated stack trace when the task panicked.
	Stack string
	cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("search %d failed: %v", e.EntryID, e.cause)
}

func (e *ExecutionError) Unwrap() error { return e.cause }

// ErrorClass is a coarse classification of cache errors for outer layers
// (e.g. mapping to HTTP 503 / 500 / 499).
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassRejected
	ClassFailed
	ClassCancelled
	ClassTimeout
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRejected:
		return "rejected"
	case ClassFailed:
		return "failed"
	case ClassCancelled:
		return "cancelled"
	case ClassTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Classify maps err onto the cache error taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var ee *ExecutionError
	switch {
	case errors.Is(err, ErrResourceExhausted), errors.Is(err, ErrClosed):
		return ClassRejected
	case errors.Is(err, ErrCancelled):
		return ClassCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.As(err, &ee):
		return ClassFailed
	default:
		return ClassUnknown
	}
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, resource.ErrInsufficientMemory) {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	if errors.Is(err, pool.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
