package stream

import (
	"context"
	"encoding/json"

	"github.com/quotecache/quotecache/internal/market"
	"github.com/quotecache/quotecache/internal/ttl"
)

// CacheWriter is the slice of the cache contract the write-through stage
// needs. Satisfied by the Redis adapter and by fakes in tests.
type CacheWriter interface {
	Set(ctx context.Context, entry market.CacheEntry) error
}

// MarketStatusFunc reports session state for a market, or nil when unknown.
type MarketStatusFunc func(mkt string) *market.MarketStatus

// WriteThrough returns the pipeline stage that persists each flushed batch
// into the cache. The entry key comes from the same derivation the resolver
// reads with, and the TTL from the policy engine under a realtime freshness
// requirement, so the push and pull paths share one key space and one
// staleness discipline. The entry payload is the newest tick of the batch,
// replaced wholesale.
func WriteThrough(cache CacheWriter, status MarketStatusFunc, dataType string) func(ctx context.Context, b Batch) error {
	return func(ctx context.Context, b Batch) error {
		if len(b.Items) == 0 {
			return nil
		}
		latest := b.Items[len(b.Items)-1]

		var payload json.RawMessage
		if latest.Quote != nil {
			enc, err := json.Marshal(latest.Quote)
			if err != nil {
				return err
			}
			payload = enc
		} else {
			payload = latest.Raw
		}

		var st *market.MarketStatus
		if status != nil {
			st = status(b.Market)
		}
		res := ttl.Calculate(ttl.Input{
			DataType:     dataType,
			MarketStatus: st,
			Freshness:    market.FreshnessRealtime,
		})

		return cache.Set(ctx, market.CacheEntry{
			Key:        market.CacheKey(b.Symbol, b.Provider, b.Market),
			Payload:    payload,
			WrittenAt:  b.ClosedAt,
			TTLSeconds: res.TTL,
			Strategy:   market.StrategyStrongTimeliness,
		})
	}
}
