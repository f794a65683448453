package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/quotecache/quotecache/internal/market"
)

type fakeCacheWriter struct {
	mu      sync.Mutex
	entries map[string]market.CacheEntry
}

func newFakeCacheWriter() *fakeCacheWriter {
	return &fakeCacheWriter{entries: make(map[string]market.CacheEntry)}
}

func (c *fakeCacheWriter) Set(_ context.Context, entry market.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Key] = entry
	return nil
}

func TestWriteThrough_SharesKeySpaceWithResolver(t *testing.T) {
	cache := newFakeCacheWriter()
	wt := WriteThrough(cache, nil, "stock-quote")

	now := time.Now()
	b := Batch{
		Symbol:   "AAPL",
		Market:   "NASDAQ",
		Provider: market.ProviderPolygon,
		Items: []market.QuoteTick{
			tick("AAPL", 0),
			tick("AAPL", 1),
		},
		OpenedAt: now.Add(-100 * time.Millisecond),
		ClosedAt: now,
	}

	if err := wt(context.Background(), b); err != nil {
		t.Fatalf("WriteThrough: %v", err)
	}

	// The read path must find the entry under the exact same key.
	key := market.CacheKey("AAPL", market.ProviderPolygon, "NASDAQ")
	entry, ok := cache.entries[key]
	if !ok {
		t.Fatalf("entry not written under the shared key %q", key)
	}

	// Payload is the newest tick, whole-value.
	var payload struct {
		Seq int `json:"seq"`
	}
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Seq != 1 {
		t.Fatalf("payload should be the newest tick, got seq %d", payload.Seq)
	}

	// Realtime freshness shortens the TTL: stock-quote 60 * 0.3 = 18.
	if entry.TTLSeconds != 18 {
		t.Fatalf("TTL = %d, want 18", entry.TTLSeconds)
	}
	if entry.Strategy != market.StrategyStrongTimeliness {
		t.Fatalf("strategy = %s, want strong_timeliness", entry.Strategy)
	}
}

func TestWriteThrough_EmptyBatchIsANoOp(t *testing.T) {
	cache := newFakeCacheWriter()
	wt := WriteThrough(cache, nil, "stock-quote")

	if err := wt(context.Background(), Batch{Symbol: "AAPL"}); err != nil {
		t.Fatalf("WriteThrough on empty batch: %v", err)
	}
	if len(cache.entries) != 0 {
		t.Fatal("empty batch must not write")
	}
}

func TestWriteThrough_PrefersNormalizedQuote(t *testing.T) {
	cache := newFakeCacheWriter()
	wt := WriteThrough(cache, nil, "stock-quote")

	qt := tick("AAPL", 0)
	qt.Quote = &market.Quote{Symbol: "AAPL", At: time.Now()}

	b := Batch{
		Symbol:   "AAPL",
		Market:   "NASDAQ",
		Provider: market.ProviderPolygon,
		Items:    []market.QuoteTick{qt},
		ClosedAt: time.Now(),
	}
	if err := wt(context.Background(), b); err != nil {
		t.Fatalf("WriteThrough: %v", err)
	}

	key := market.CacheKey("AAPL", market.ProviderPolygon, "NASDAQ")
	var q market.Quote
	if err := json.Unmarshal(cache.entries[key].Payload, &q); err != nil {
		t.Fatalf("payload should be the normalized quote: %v", err)
	}
	if q.Symbol != "AAPL" {
		t.Fatalf("quote symbol = %q", q.Symbol)
	}
}
