package market

import (
	"errors"
	"fmt"
	"time"
)

// Infrastructure errors. The resolver recovers these locally and degrades to
// a miss rather than failing the request.
var (
	ErrCacheUnavailable       = errors.New("cache unavailable")
	ErrPersistenceUnavailable = errors.New("persistent store unavailable")
)

// ErrInvalidWindow is returned for a malformed rate-limit window spec. It is
// a configuration error: raised at construction, never retried.
var ErrInvalidWindow = errors.New("invalid rate limit window")

// ErrFetchTimeout is returned to every waiter when a realtime fetch exceeds
// its deadline.
var ErrFetchTimeout = errors.New("realtime fetch timed out")

// ErrBreakerOpen is returned when the stream pipeline circuit breaker is
// open and ticks are being shed.
var ErrBreakerOpen = errors.New("pipeline circuit breaker open")

// RetriableError is implemented by errors that a caller may reasonably retry.
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable reports whether err (or anything it wraps) is retriable.
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// RateLimitError is returned when the rate limiter rejects a fetch. It is
// retriable after RetryAfter.
type RateLimitError struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: key %s over limit %d, retry after %s", e.Key, e.Limit, e.RetryAfter)
}

func (e *RateLimitError) IsRetriable() bool { return true }

// FetchError wraps an upstream fetch failure for one symbol. Surfaced in the
// per-symbol result slot, never escalated to fail a whole batch.
type FetchError struct {
	Symbol   string
	Provider Provider
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s from %s: %v", e.Symbol, e.Provider, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) IsRetriable() bool { return true }
