package market

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies the upstream source of market data.
type Provider string

const (
	ProviderPolygon   Provider = "polygon"
	ProviderBinance   Provider = "binance"
	ProviderSimulated Provider = "simulated"
)

// Freshness expresses how current the caller needs the data to be. It steers
// both the resolver's source selection and the TTL written back to cache.
type Freshness string

const (
	FreshnessRealtime   Freshness = "realtime"
	FreshnessAnalytical Freshness = "analytical"
	FreshnessArchive    Freshness = "archive"
	FreshnessDefault    Freshness = "default"
)

// CacheStrategy labels the timeliness discipline a cache entry was written
// under. Recorded for observability; reads never branch on it.
type CacheStrategy string

const (
	StrategyWeakTimeliness   CacheStrategy = "weak_timeliness"
	StrategyStrongTimeliness CacheStrategy = "strong_timeliness"
	StrategyMarketAware      CacheStrategy = "market_aware"
)

// MarketStatus describes whether a venue is currently trading and, if known,
// when its state flips next. Optional everywhere it appears.
type MarketStatus struct {
	IsOpen          bool
	NextStateChange time.Time // zero when unknown
}

// FetchRequest is one symbol's worth of a resolve call. Created per query,
// consumed once.
type FetchRequest struct {
	Key       string
	Symbol    string
	Market    string
	Provider  Provider
	DataType  string
	Freshness Freshness
}

// CacheEntry is the unit stored under one cache key. Entries are serialized
// and replaced wholesale on every write so concurrent writers can never
// interleave partial updates to the same key.
type CacheEntry struct {
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	WrittenAt  time.Time       `json:"written_at"`
	TTLSeconds int             `json:"ttl_seconds"`
	Strategy   CacheStrategy   `json:"strategy"`
}

// Fresh reports whether the entry is still within its TTL at the given time.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.WrittenAt) < time.Duration(e.TTLSeconds)*time.Second
}

// Quote is a normalized price snapshot decoded from a provider payload.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	At     time.Time       `json:"at"`
}

// QuoteTick is one inbound event from the live feed. Raw carries the
// provider's payload untouched; Quote is attached by the feed decoder when
// the payload normalizes cleanly, and is nil otherwise.
type QuoteTick struct {
	Symbol     string
	Market     string
	Provider   Provider
	Raw        json.RawMessage
	Quote      *Quote
	ReceivedAt time.Time
}

// Valid reports whether the tick is well-formed enough to batch. Malformed
// ticks are dropped upstream of accumulation, never delivered.
func (t QuoteTick) Valid() bool {
	return t.Symbol != "" && len(t.Raw) > 0
}
