package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quotecache/quotecache/internal/market"
)

// fakeStore is an in-memory CounterStore with an injectable failure mode.
type fakeStore struct {
	mu        sync.Mutex
	counters  map[string]int64
	zsets     map[string]map[string]float64
	failWith  error
	expireErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counters: make(map[string]int64),
		zsets:    make(map[string]map[string]float64),
	}
}

func (s *fakeStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	s.counters[key]++
	return s.counters[key], nil
}

func (s *fakeStore) Expire(_ context.Context, _ string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireErr != nil {
		return s.expireErr
	}
	return s.failWith
}

func (s *fakeStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if s.zsets[key] == nil {
		s.zsets[key] = make(map[string]float64)
	}
	s.zsets[key][member] = score
	return nil
}

func (s *fakeStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	return int64(len(s.zsets[key])), nil
}

func (s *fakeStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	for member, score := range s.zsets[key] {
		if score >= min && score <= max {
			delete(s.zsets[key], member)
		}
	}
	return nil
}

func (s *fakeStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	for _, k := range keys {
		delete(s.counters, k)
		delete(s.zsets, k)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(t *testing.T, store CounterStore, strat Strategy, limit int, window string) *Limiter {
	t.Helper()
	l, err := New(store, discardLogger(), Config{Strategy: strat, Limit: limit, Window: window})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestParseWindow(t *testing.T) {
	cases := map[string]time.Duration{
		"1s": time.Second,
		"5m": 5 * time.Minute,
		"2h": 2 * time.Hour,
		"1d": 24 * time.Hour,
	}
	for spec, want := range cases {
		got, err := ParseWindow(spec)
		if err != nil {
			t.Fatalf("ParseWindow(%q): %v", spec, err)
		}
		if got != want {
			t.Fatalf("ParseWindow(%q) = %v, want %v", spec, got, want)
		}
	}

	for _, bad := range []string{"", "1", "10x", "-1s", "0m", "ms"} {
		if _, err := ParseWindow(bad); !errors.Is(err, market.ErrInvalidWindow) {
			t.Fatalf("ParseWindow(%q): expected ErrInvalidWindow, got %v", bad, err)
		}
	}
}

func TestFixedWindow_RejectsOverLimit(t *testing.T) {
	store := newFakeStore()
	l := newTestLimiter(t, store, FixedWindow, 3, "1m")

	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return base }

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		dec := l.Check(ctx, "api-key-1")
		if !dec.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if dec.Remaining != 3-i {
			t.Fatalf("call %d: remaining = %d, want %d", i, dec.Remaining, 3-i)
		}
	}

	dec := l.Check(ctx, "api-key-1")
	if dec.Allowed {
		t.Fatal("4th call within the window must be rejected")
	}
	if dec.RetryAfter <= 0 {
		t.Fatalf("rejection must carry a positive RetryAfter, got %v", dec.RetryAfter)
	}

	// A different key is unaffected.
	if !l.Check(ctx, "api-key-2").Allowed {
		t.Fatal("independent key must not share the counter")
	}

	// After the window rolls over, calls are allowed again.
	l.nowFunc = func() time.Time { return base.Add(61 * time.Second) }
	if !l.Check(ctx, "api-key-1").Allowed {
		t.Fatal("call after window expiry must be allowed")
	}
}

func TestSlidingWindow_PrunesOldEntries(t *testing.T) {
	store := newFakeStore()
	l := newTestLimiter(t, store, SlidingWindow, 2, "1m")

	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	now := base
	l.nowFunc = func() time.Time { return now }

	ctx := context.Background()
	if !l.Check(ctx, "k").Allowed {
		t.Fatal("first call should be allowed")
	}
	now = now.Add(time.Second)
	if !l.Check(ctx, "k").Allowed {
		t.Fatal("second call should be allowed")
	}
	now = now.Add(time.Second)
	if l.Check(ctx, "k").Allowed {
		t.Fatal("third call inside the window must be rejected")
	}

	// Slide past the first two requests: population drops below the limit.
	now = base.Add(2 * time.Minute)
	if !l.Check(ctx, "k").Allowed {
		t.Fatal("call after the log slid out must be allowed")
	}
}

func TestCheck_FailsOpenOnStoreError(t *testing.T) {
	store := newFakeStore()
	store.failWith = errors.New("connection refused")
	l := newTestLimiter(t, store, FixedWindow, 5, "1m")

	dec := l.Check(context.Background(), "k")
	if !dec.Allowed {
		t.Fatal("store failure must fail open")
	}
	if dec.Current != 0 || dec.Remaining != 5 {
		t.Fatalf("fail-open decision should report current=0 remaining=limit, got %+v", dec)
	}
}

func TestReset_ClearsOnlyThisKey(t *testing.T) {
	store := newFakeStore()
	l := newTestLimiter(t, store, FixedWindow, 1, "1m")

	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return base }

	ctx := context.Background()
	l.Check(ctx, "a")
	l.Check(ctx, "b")

	if err := l.Reset(ctx, "a"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if !l.Check(ctx, "a").Allowed {
		t.Fatal("key a should be allowed after reset")
	}
	if l.Check(ctx, "b").Allowed {
		t.Fatal("key b's counter must survive a's reset")
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	store := newFakeStore()
	log := discardLogger()

	if _, err := New(store, log, Config{Strategy: FixedWindow, Limit: 10, Window: "fortnight"}); !errors.Is(err, market.ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}

	// Limit and strategy problems are config errors in their own right, not
	// window errors.
	_, err := New(store, log, Config{Strategy: "token_bucket", Limit: 10, Window: "1m"})
	if err == nil {
		t.Fatal("unknown strategy must be rejected")
	}
	if errors.Is(err, market.ErrInvalidWindow) {
		t.Fatalf("strategy error mislabeled as a window error: %v", err)
	}

	_, err = New(store, log, Config{Strategy: FixedWindow, Limit: 0, Window: "1m"})
	if err == nil {
		t.Fatal("non-positive limit must be rejected")
	}
	if errors.Is(err, market.ErrInvalidWindow) {
		t.Fatalf("limit error mislabeled as a window error: %v", err)
	}
}

func TestFixedWindow_ExpireFailureLeavesNoOrphanCounter(t *testing.T) {
	store := newFakeStore()
	store.expireErr = errors.New("i/o timeout")
	l := newTestLimiter(t, store, FixedWindow, 3, "1m")

	dec := l.Check(context.Background(), "k")
	if !dec.Allowed {
		t.Fatal("expire failure must fail open")
	}

	// The counter whose TTL could not be set must not survive: it would
	// otherwise count against the key forever.
	store.mu.Lock()
	n := len(store.counters)
	store.mu.Unlock()
	if n != 0 {
		t.Fatalf("orphan counter left behind without a TTL, store has %d keys", n)
	}
}

func TestSlidingWindow_DistinctMembersPerCall(t *testing.T) {
	store := newFakeStore()
	l := newTestLimiter(t, store, SlidingWindow, 100, "1m")

	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	n := 0
	l.nowFunc = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		l.Check(ctx, "k")
	}
	dec := l.Check(ctx, "k")
	if dec.Current != 11 {
		t.Fatalf("expected 11 distinct log entries, got %d", dec.Current)
	}
}
