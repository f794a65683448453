package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quotecache/quotecache/internal/market"
	"github.com/quotecache/quotecache/internal/ratelimit"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]market.CacheEntry
	getErr  error
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]market.CacheEntry)}
}

func (c *fakeCache) Get(_ context.Context, key string) (market.CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return market.CacheEntry{}, false, c.getErr
	}
	e, ok := c.entries[key]
	return e, ok, nil
}

func (c *fakeCache) Set(_ context.Context, entry market.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Key] = entry
	c.sets++
	return nil
}

func (c *fakeCache) setCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

type fakeStore struct {
	mu     sync.Mutex
	data   map[string]json.RawMessage
	getErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]json.RawMessage)}
}

func (s *fakeStore) Retrieve(_ context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	p, ok := s.data[key]
	return p, ok, nil
}

func (s *fakeStore) Store(_ context.Context, key string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = payload
	return nil
}

type fakeFetcher struct {
	calls   atomic.Int64
	delay   time.Duration
	err     error
	payload json.RawMessage
}

func (f *fakeFetcher) Fetch(ctx context.Context, symbol, _ string, _ market.Provider) (json.RawMessage, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.payload != nil {
		return f.payload, nil
	}
	return json.RawMessage(`{"symbol":"` + symbol + `","last":"101.5"}`), nil
}

type openGate struct{}

func (openGate) Check(context.Context, string) ratelimit.Decision {
	return ratelimit.Decision{Allowed: true, Limit: 100, Remaining: 99}
}

type closedGate struct{}

func (closedGate) Check(context.Context, string) ratelimit.Decision {
	return ratelimit.Decision{Allowed: false, Limit: 10, Current: 11, RetryAfter: 30 * time.Second}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestResolver(cache Cache, store PersistentStore, fetcher Fetcher, gate Gate) *Resolver {
	return New(Config{FetchTimeout: time.Second, ProbeTimeout: 200 * time.Millisecond},
		cache, store, fetcher, gate, nil, nil, discardLogger())
}

func quoteRequest(symbol string) market.FetchRequest {
	return market.FetchRequest{
		Symbol:   symbol,
		Market:   "NASDAQ",
		Provider: market.ProviderPolygon,
		DataType: "stock-quote",
	}
}

func TestResolve_SingleFlight(t *testing.T) {
	fetcher := &fakeFetcher{delay: 50 * time.Millisecond}
	r := newTestResolver(newFakeCache(), newFakeStore(), fetcher, openGate{})

	const n = 16
	results := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := r.Resolve(context.Background(), []market.FetchRequest{quoteRequest("AAPL")})
			results[i] = out[0]
		}(i)
	}
	wg.Wait()

	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one upstream fetch, got %d", got)
	}
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("waiter %d got error: %v", i, res.Err)
		}
		if string(res.Data) != string(results[0].Data) {
			t.Fatalf("waiter %d got a different payload", i)
		}
		if res.Source != SourceRealtime {
			t.Fatalf("waiter %d: source = %s, want realtime", i, res.Source)
		}
	}
	if r.flights.size() != 0 {
		t.Fatalf("in-flight table must be empty after resolution, has %d", r.flights.size())
	}
}

func TestResolve_CacheHit(t *testing.T) {
	cache := newFakeCache()
	fetcher := &fakeFetcher{}
	r := newTestResolver(cache, newFakeStore(), fetcher, openGate{})

	key := market.CacheKey("AAPL", market.ProviderPolygon, "NASDAQ")
	cache.entries[key] = market.CacheEntry{
		Key:        key,
		Payload:    json.RawMessage(`{"cached":true}`),
		WrittenAt:  time.Now(),
		TTLSeconds: 60,
	}

	out := r.Resolve(context.Background(), []market.FetchRequest{quoteRequest("AAPL")})

	if out[0].Source != SourceCache || out[0].Status != StatusHit {
		t.Fatalf("expected cache hit, got %+v", out[0])
	}
	if fetcher.calls.Load() != 0 {
		t.Fatal("cache hit must not reach upstream")
	}
}

func TestResolve_StaleEntryIsAMiss(t *testing.T) {
	cache := newFakeCache()
	fetcher := &fakeFetcher{}
	r := newTestResolver(cache, newFakeStore(), fetcher, openGate{})

	key := market.CacheKey("AAPL", market.ProviderPolygon, "NASDAQ")
	cache.entries[key] = market.CacheEntry{
		Key:        key,
		Payload:    json.RawMessage(`{"cached":true}`),
		WrittenAt:  time.Now().Add(-2 * time.Minute),
		TTLSeconds: 60,
	}

	out := r.Resolve(context.Background(), []market.FetchRequest{quoteRequest("AAPL")})

	if out[0].Source != SourceRealtime {
		t.Fatalf("stale entry must be treated as a miss, got source %s", out[0].Source)
	}
	if fetcher.calls.Load() != 1 {
		t.Fatalf("expected one upstream fetch, got %d", fetcher.calls.Load())
	}
}

func TestResolve_PersistentHitRefillsCache(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore()
	fetcher := &fakeFetcher{}
	r := newTestResolver(cache, store, fetcher, openGate{})

	key := market.CacheKey("MSFT", market.ProviderPolygon, "NASDAQ")
	store.data[key] = json.RawMessage(`{"persisted":true}`)

	out := r.Resolve(context.Background(), []market.FetchRequest{quoteRequest("MSFT")})

	if out[0].Source != SourcePersistent {
		t.Fatalf("expected persistent source, got %s", out[0].Source)
	}
	if fetcher.calls.Load() != 0 {
		t.Fatal("persistent hit must not reach upstream")
	}

	// The refill is asynchronous; poll briefly.
	deadline := time.Now().Add(time.Second)
	for cache.setCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cache.setCount() == 0 {
		t.Fatal("persistent hit should schedule a cache refill")
	}
}

func TestResolve_RateLimited(t *testing.T) {
	fetcher := &fakeFetcher{}
	r := newTestResolver(newFakeCache(), newFakeStore(), fetcher, closedGate{})

	out := r.Resolve(context.Background(), []market.FetchRequest{quoteRequest("AAPL")})

	if out[0].Status != StatusError || out[0].Source != SourceRealtime {
		t.Fatalf("expected realtime error outcome, got %+v", out[0])
	}
	var rle *market.RateLimitError
	if !errors.As(out[0].Err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", out[0].Err)
	}
	if rle.RetryAfter != 30*time.Second {
		t.Fatalf("RetryAfter = %v, want 30s", rle.RetryAfter)
	}
	if fetcher.calls.Load() != 0 {
		t.Fatal("throttled fetch must not contact upstream")
	}
	if !market.IsRetriable(out[0].Err) {
		t.Fatal("rate limit rejection must be retriable")
	}
}

func TestResolve_CacheErrorDegradesToMiss(t *testing.T) {
	cache := newFakeCache()
	cache.getErr = market.ErrCacheUnavailable
	fetcher := &fakeFetcher{}
	r := newTestResolver(cache, newFakeStore(), fetcher, openGate{})

	out := r.Resolve(context.Background(), []market.FetchRequest{quoteRequest("AAPL")})

	if out[0].Status != StatusHit || out[0].Source != SourceRealtime {
		t.Fatalf("cache failure should fall through to fetch, got %+v", out[0])
	}
}

func TestResolve_RealtimeFreshnessBypassesCache(t *testing.T) {
	cache := newFakeCache()
	fetcher := &fakeFetcher{}
	r := newTestResolver(cache, newFakeStore(), fetcher, openGate{})

	key := market.CacheKey("AAPL", market.ProviderPolygon, "NASDAQ")
	cache.entries[key] = market.CacheEntry{
		Key:        key,
		Payload:    json.RawMessage(`{"cached":true}`),
		WrittenAt:  time.Now(),
		TTLSeconds: 600,
	}

	req := quoteRequest("AAPL")
	req.Freshness = market.FreshnessRealtime
	out := r.Resolve(context.Background(), []market.FetchRequest{req})

	if out[0].Source != SourceRealtime {
		t.Fatalf("realtime freshness must bypass the cache, got source %s", out[0].Source)
	}
	if fetcher.calls.Load() != 1 {
		t.Fatalf("expected one upstream fetch, got %d", fetcher.calls.Load())
	}
}

func TestResolve_PartialFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("upstream 503")}
	cache := newFakeCache()
	r := newTestResolver(cache, newFakeStore(), fetcher, openGate{})

	goodKey := market.CacheKey("GOOD", market.ProviderPolygon, "NASDAQ")
	cache.entries[goodKey] = market.CacheEntry{
		Key:        goodKey,
		Payload:    json.RawMessage(`{"ok":true}`),
		WrittenAt:  time.Now(),
		TTLSeconds: 60,
	}

	out := r.Resolve(context.Background(), []market.FetchRequest{
		quoteRequest("GOOD"),
		quoteRequest("BAD"),
	})

	if len(out) != 2 {
		t.Fatalf("expected one outcome per request, got %d", len(out))
	}
	if out[0].Err != nil || out[0].Source != SourceCache {
		t.Fatalf("first slot should be a cache hit, got %+v", out[0])
	}
	var fe *market.FetchError
	if !errors.As(out[1].Err, &fe) {
		t.Fatalf("second slot should carry a FetchError, got %v", out[1].Err)
	}
}

func TestResolve_FetchTimeout(t *testing.T) {
	fetcher := &fakeFetcher{delay: time.Second}
	r := New(Config{FetchTimeout: 50 * time.Millisecond, ProbeTimeout: 50 * time.Millisecond},
		newFakeCache(), newFakeStore(), fetcher, openGate{}, nil, nil, discardLogger())

	out := r.Resolve(context.Background(), []market.FetchRequest{quoteRequest("SLOW")})

	if !errors.Is(out[0].Err, market.ErrFetchTimeout) {
		t.Fatalf("expected ErrFetchTimeout, got %v", out[0].Err)
	}
	if r.flights.size() != 0 {
		t.Fatal("timed-out flight must be cleared, not leaked")
	}
}

func TestResolve_NoFetcherReportsMiss(t *testing.T) {
	cache := newFakeCache()
	store := newFakeStore()
	r := New(Config{}, cache, store, nil, openGate{}, nil, nil, discardLogger())

	key := market.CacheKey("CACHED", market.ProviderPolygon, "NASDAQ")
	cache.entries[key] = market.CacheEntry{
		Key:        key,
		Payload:    json.RawMessage(`{"cached":true}`),
		WrittenAt:  time.Now(),
		TTLSeconds: 60,
	}

	out := r.Resolve(context.Background(), []market.FetchRequest{
		quoteRequest("CACHED"),
		quoteRequest("ABSENT"),
	})

	if out[0].Status != StatusHit || out[0].Source != SourceCache {
		t.Fatalf("cached symbol should still hit, got %+v", out[0])
	}
	if out[1].Status != StatusMiss {
		t.Fatalf("full miss without a fetcher must be a miss, got %+v", out[1])
	}
	if out[1].Err != nil {
		t.Fatalf("a miss is not an error, got %v", out[1].Err)
	}
}

func TestResolve_WriteThroughUsesPolicyTTL(t *testing.T) {
	cache := newFakeCache()
	r := newTestResolver(cache, newFakeStore(), &fakeFetcher{}, openGate{})

	out := r.Resolve(context.Background(), []market.FetchRequest{quoteRequest("AAPL")})
	if out[0].Err != nil {
		t.Fatalf("resolve: %v", out[0].Err)
	}

	key := market.CacheKey("AAPL", market.ProviderPolygon, "NASDAQ")
	cache.mu.Lock()
	entry, ok := cache.entries[key]
	cache.mu.Unlock()
	if !ok {
		t.Fatal("fetch success must write through to cache")
	}
	if entry.TTLSeconds != 60 { // stock-quote base, no market status
		t.Fatalf("TTL = %d, want 60", entry.TTLSeconds)
	}
}
