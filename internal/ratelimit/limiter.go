// Package ratelimit guards the resolver's realtime fetch path with
// fixed-window or sliding-window quotas backed by an external counter store.
// The limiter fails open: when the store is unreachable, availability of
// market data outranks strict quota enforcement.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/quotecache/quotecache/internal/market"
)

// Strategy selects the counting algorithm.
type Strategy string

const (
	FixedWindow   Strategy = "fixed_window"
	SlidingWindow Strategy = "sliding_window"
)

// CounterStore is the narrow slice of an atomic counter backend the limiter
// needs. Satisfied by the Redis adapter in production and by fakes in tests.
type CounterStore interface {
	// Incr atomically increments key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets key's TTL. Applied on the first increment of a window.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// ZAdd inserts a member with the given score into a sorted set.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZCard returns the cardinality of a sorted set.
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRemRangeByScore prunes members with scores in [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	// Del removes keys.
	Del(ctx context.Context, keys ...string) error
}

// Decision is the outcome of one limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Current    int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
}

// Config holds limiter parameters. Window is a spec string like "1s", "5m",
// "2h" or "1d"; anything else is rejected by New.
type Config struct {
	Strategy Strategy
	Limit    int
	Window   string
}

// Limiter enforces per-key request quotas.
type Limiter struct {
	store   CounterStore
	log     *slog.Logger
	strat   Strategy
	limit   int
	window  time.Duration
	nowFunc func() time.Time
}

// New validates cfg and returns a Limiter. A malformed window spec is a
// configuration error and fails construction.
func New(store CounterStore, log *slog.Logger, cfg Config) (*Limiter, error) {
	window, err := ParseWindow(cfg.Window)
	if err != nil {
		return nil, err
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("rate limit: limit must be positive, got %d", cfg.Limit)
	}
	switch cfg.Strategy {
	case FixedWindow, SlidingWindow:
	default:
		return nil, fmt.Errorf("rate limit: unknown strategy %q", cfg.Strategy)
	}
	return &Limiter{
		store:   store,
		log:     log,
		strat:   cfg.Strategy,
		limit:   cfg.Limit,
		window:  window,
		nowFunc: time.Now,
	}, nil
}

// ParseWindow resolves a window spec of the form "<n><unit>" where unit is
// one of s, m, h, d. Any other shape is an error, never silently defaulted.
func ParseWindow(spec string) (time.Duration, error) {
	if len(spec) < 2 {
		return 0, fmt.Errorf("%w: %q", market.ErrInvalidWindow, spec)
	}
	n, err := strconv.Atoi(spec[:len(spec)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", market.ErrInvalidWindow, spec)
	}
	var unit time.Duration
	switch spec[len(spec)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: %q", market.ErrInvalidWindow, spec)
	}
	return time.Duration(n) * unit, nil
}

// Check decides whether one more request under key is within quota. A store
// failure yields Allowed=true (fail open) and is logged, never silent.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	var (
		dec Decision
		err error
	)
	switch l.strat {
	case SlidingWindow:
		dec, err = l.checkSliding(ctx, key)
	default:
		dec, err = l.checkFixed(ctx, key)
	}
	if err != nil {
		l.log.Warn("rate limiter store unreachable, failing open",
			"key", key, "strategy", string(l.strat), "err", err)
		return Decision{
			Allowed:   true,
			Limit:     l.limit,
			Current:   0,
			Remaining: l.limit,
			ResetAt:   l.nowFunc().Add(l.window),
		}
	}
	return dec
}

func (l *Limiter) checkFixed(ctx context.Context, key string) (Decision, error) {
	now := l.nowFunc()
	windowID := now.UnixNano() / int64(l.window)
	counterKey := fmt.Sprintf("ratelimit:%s:%d", key, windowID)

	count, err := l.store.Incr(ctx, counterKey)
	if err != nil {
		return Decision{}, err
	}
	if count == 1 {
		if err := l.store.Expire(ctx, counterKey, l.window); err != nil {
			// Best-effort cleanup so the counter never survives without a TTL.
			_ = l.store.Del(ctx, counterKey)
			return Decision{}, err
		}
	}

	resetAt := time.Unix(0, (windowID+1)*int64(l.window))
	return l.decide(int(count), now, resetAt), nil
}

func (l *Limiter) checkSliding(ctx context.Context, key string) (Decision, error) {
	now := l.nowFunc()
	setKey := "ratelimit:sliding:" + key
	cutoff := float64(now.Add(-l.window).UnixNano())

	if err := l.store.ZRemRangeByScore(ctx, setKey, 0, cutoff); err != nil {
		return Decision{}, err
	}
	member := strconv.FormatInt(now.UnixNano(), 10)
	if err := l.store.ZAdd(ctx, setKey, float64(now.UnixNano()), member); err != nil {
		return Decision{}, err
	}
	count, err := l.store.ZCard(ctx, setKey)
	if err != nil {
		return Decision{}, err
	}

	return l.decide(int(count), now, now.Add(l.window)), nil
}

func (l *Limiter) decide(count int, now, resetAt time.Time) Decision {
	dec := Decision{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Current:   count,
		Remaining: l.limit - count,
		ResetAt:   resetAt,
	}
	if dec.Remaining < 0 {
		dec.Remaining = 0
	}
	if !dec.Allowed {
		dec.RetryAfter = resetAt.Sub(now)
	}
	return dec
}

// Reset clears the counter or log for key. An unsupported strategy logs a
// warning and is a no-op; it never deletes unrelated state.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	switch l.strat {
	case FixedWindow:
		now := l.nowFunc()
		windowID := now.UnixNano() / int64(l.window)
		return l.store.Del(ctx, fmt.Sprintf("ratelimit:%s:%d", key, windowID))
	case SlidingWindow:
		return l.store.Del(ctx, "ratelimit:sliding:"+key)
	default:
		l.log.Warn("reset requested for unsupported strategy", "strategy", string(l.strat))
		return nil
	}
}
