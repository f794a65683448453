// Package ttl computes cache lifetimes for market data. The calculation is a
// pure function of the data type, market session state, and the caller's
// freshness requirement; it never touches a clock or any shared state.
package ttl

import (
	"math"
	"time"

	"github.com/quotecache/quotecache/internal/market"
)

// Clamp bounds applied to every computed TTL, in seconds.
const (
	MinTTL = 5
	MaxTTL = 7 * 24 * 3600
)

// DefaultTTL is used when the data type is unknown.
const DefaultTTL = 300

// baseTTL maps a data type to its base lifetime in seconds. Quote classes
// live minutes, intraday history lives longer, reference data lives a day.
var baseTTL = map[string]int{
	"stock-quote":    60,
	"crypto-quote":   30,
	"fx-quote":       60,
	"index-quote":    120,
	"orderbook":      15,
	"ohlcv-intraday": 300,
	"ohlcv-daily":    3600,
	"fundamentals":   86400,
	"reference":      86400,
	"exchange-rate":  3600,
}

// Default multipliers. Open markets shorten lifetimes, closed markets extend
// them, and a long closure (weekend, holiday) extends further up to a cap.
const (
	marketOpenMult    = 0.5
	marketClosedMult  = 2.0
	marketClosedCap   = 4.0
	longClosureCutoff = 6 * time.Hour

	freshRealtimeMult   = 0.3
	freshAnalyticalMult = 1.5
	freshArchiveMult    = 3.0
)

// Strategy labels report which factor dominated the calculation. They exist
// for observability only and never affect the arithmetic.
const (
	StrategyFreshness       = "freshness_based"
	StrategyMarketAware     = "market_aware"
	StrategyDataType        = "data_type_based"
	StrategyDefaultFallback = "default_fallback"
)

// Multipliers overrides the built-in factors. Zero fields mean "no override".
type Multipliers struct {
	Market    float64
	DataType  float64
	Freshness float64
}

// Input carries everything Calculate needs. Only DataType is required.
type Input struct {
	DataType     string
	MarketStatus *market.MarketStatus
	Freshness    market.Freshness
	Custom       *Multipliers
	Now          time.Time // used only to judge closure length; zero means time.Now
}

// Details exposes the intermediate factors for logging and tests.
type Details struct {
	BaseTTL       int
	MarketMult    float64
	DataTypeMult  float64
	FreshnessMult float64
	Clamped       bool
}

// Result is the outcome of one TTL calculation.
type Result struct {
	TTL      int
	Strategy string
	Details  Details
}

// Calculate returns the TTL in seconds for the given input, clamped to
// [MinTTL, MaxTTL]. It is total: an unknown data type degrades to DefaultTTL
// with the fallback strategy and every other input ignored.
func Calculate(in Input) Result {
	base, known := baseTTL[in.DataType]
	if !known {
		return Result{
			TTL:      DefaultTTL,
			Strategy: StrategyDefaultFallback,
			Details:  Details{BaseTTL: DefaultTTL, MarketMult: 1, DataTypeMult: 1, FreshnessMult: 1},
		}
	}

	marketMult := 1.0
	if in.MarketStatus != nil {
		marketMult = marketMultiplier(*in.MarketStatus, in.Now)
	}

	freshMult := freshnessMultiplier(in.Freshness)

	dataTypeMult := 1.0
	if in.Custom != nil {
		if in.Custom.Market > 0 {
			marketMult = in.Custom.Market
		}
		if in.Custom.DataType > 0 {
			dataTypeMult = in.Custom.DataType
		}
		if in.Custom.Freshness > 0 {
			freshMult = in.Custom.Freshness
		}
	}

	ttl := int(math.Round(float64(base) * marketMult * dataTypeMult * freshMult))

	clamped := false
	if ttl < MinTTL {
		ttl, clamped = MinTTL, true
	} else if ttl > MaxTTL {
		ttl, clamped = MaxTTL, true
	}

	return Result{
		TTL:      ttl,
		Strategy: dominantStrategy(in, freshMult, marketMult),
		Details: Details{
			BaseTTL:       base,
			MarketMult:    marketMult,
			DataTypeMult:  dataTypeMult,
			FreshnessMult: freshMult,
			Clamped:       clamped,
		},
	}
}

// marketMultiplier shortens TTLs while a market trades and extends them while
// it is closed. A closure longer than longClosureCutoff scales the extension
// linearly with remaining closure time, capped at marketClosedCap.
func marketMultiplier(st market.MarketStatus, now time.Time) float64 {
	if st.IsOpen {
		return marketOpenMult
	}
	if st.NextStateChange.IsZero() {
		return marketClosedMult
	}
	if now.IsZero() {
		now = time.Now()
	}
	remaining := st.NextStateChange.Sub(now)
	if remaining <= longClosureCutoff {
		return marketClosedMult
	}
	// Scale from 2.0 at the cutoff toward 4.0 at 4x the cutoff.
	scale := float64(remaining) / float64(longClosureCutoff)
	mult := marketClosedMult * scale / 2
	if mult < marketClosedMult {
		mult = marketClosedMult
	}
	if mult > marketClosedCap {
		mult = marketClosedCap
	}
	return mult
}

func freshnessMultiplier(f market.Freshness) float64 {
	switch f {
	case market.FreshnessRealtime:
		return freshRealtimeMult
	case market.FreshnessAnalytical:
		return freshAnalyticalMult
	case market.FreshnessArchive:
		return freshArchiveMult
	default:
		return 1.0
	}
}

// dominantStrategy picks the label in priority order:
// freshness > market > data type.
func dominantStrategy(in Input, freshMult, marketMult float64) string {
	if freshMult != 1.0 {
		return StrategyFreshness
	}
	if in.MarketStatus != nil && marketMult != 1.0 {
		return StrategyMarketAware
	}
	return StrategyDataType
}
