// Package resolver implements the smart cache orchestrator: the read path
// that answers symbol queries from cache, persistence, or a rate-limited
// realtime fetch, with single-flight de-duplication of concurrent fetches.
package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/quotecache/quotecache/internal/market"
	"github.com/quotecache/quotecache/internal/ratelimit"
	"github.com/quotecache/quotecache/internal/ttl"
)

// Cache is the key-value cache contract the resolver consumes. In production
// it is satisfied by the Redis adapter; in tests by a fake.
type Cache interface {
	Get(ctx context.Context, key string) (market.CacheEntry, bool, error)
	Set(ctx context.Context, entry market.CacheEntry) error
}

// PersistentStore is the durable key-value store probed on cache misses.
type PersistentStore interface {
	Retrieve(ctx context.Context, key string) (json.RawMessage, bool, error)
	Store(ctx context.Context, key string, payload json.RawMessage) error
}

// Fetcher performs the expensive upstream call. It is the only collaborator
// the rate limiter guards.
type Fetcher interface {
	Fetch(ctx context.Context, symbol, mkt string, provider market.Provider) (json.RawMessage, error)
}

// Gate is the slice of the rate limiter the resolver needs.
type Gate interface {
	Check(ctx context.Context, key string) ratelimit.Decision
}

// MetricsSink receives fire-and-forget events. Implementations must never
// return control-flow-affecting errors; failures stay inside the sink.
type MetricsSink interface {
	Emit(event string, fields map[string]any)
}

// MarketStatusFunc reports the session state for a market, or nil when
// unknown. Feeds the TTL calculation on write-through.
type MarketStatusFunc func(mkt string) *market.MarketStatus

// Source tags where a resolved value came from.
type Source string

const (
	SourceCache      Source = "cache"
	SourcePersistent Source = "persistent"
	SourceRealtime   Source = "realtime"
)

// Status is the per-symbol outcome classification.
type Status string

const (
	StatusHit   Status = "hit"
	StatusMiss  Status = "miss"
	StatusError Status = "error"
)

// Outcome is one slot of a batch resolve result. Every requested key gets
// exactly one, independently successful or failed.
type Outcome struct {
	Key    string
	Status Status
	Source Source
	Data   json.RawMessage
	Err    error
}

// Config holds resolver tuning parameters.
type Config struct {
	// FetchTimeout bounds a realtime fetch. On expiry every waiter on the
	// in-flight entry receives ErrFetchTimeout and the entry is cleared.
	FetchTimeout time.Duration

	// ProbeTimeout bounds cache and persistence probes.
	ProbeTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 5 * time.Second,
		ProbeTimeout: 500 * time.Millisecond,
	}
}

// Resolver answers batches of symbol queries with minimal latency and
// bounded upstream load. Safe for concurrent use.
type Resolver struct {
	cfg     Config
	cache   Cache
	store   PersistentStore
	fetcher Fetcher
	gate    Gate
	status  MarketStatusFunc
	metrics MetricsSink
	log     *slog.Logger

	flights *flightTable

	nowFunc func() time.Time
}

// New creates a Resolver. status and metrics may be nil. A nil fetcher
// disables the realtime path: full misses are reported as StatusMiss.
func New(cfg Config, cache Cache, store PersistentStore, fetcher Fetcher, gate Gate,
	status MarketStatusFunc, metrics MetricsSink, log *slog.Logger) *Resolver {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	return &Resolver{
		cfg:     cfg,
		cache:   cache,
		store:   store,
		fetcher: fetcher,
		gate:    gate,
		status:  status,
		metrics: metrics,
		log:     log,
		flights: newFlightTable(),
		nowFunc: time.Now,
	}
}

// Resolve answers every request in the batch concurrently and independently.
// The result always has one Outcome per request, in request order; partial
// failure is expected and reported per slot, never escalated.
func (r *Resolver) Resolve(ctx context.Context, reqs []market.FetchRequest) []Outcome {
	out := make([]Outcome, len(reqs))

	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = r.resolveOne(ctx, reqs[i])
		}(i)
	}
	wg.Wait()

	return out
}

func (r *Resolver) resolveOne(ctx context.Context, req market.FetchRequest) Outcome {
	key := req.Key
	if key == "" {
		key = market.CacheKey(req.Symbol, req.Provider, req.Market)
	}

	// An explicit realtime requirement bypasses both stores.
	if req.Freshness != market.FreshnessRealtime {
		if oc, ok := r.probeCache(ctx, key); ok {
			return oc
		}
		if oc, ok := r.probePersistence(ctx, key, req); ok {
			return oc
		}
	}

	// Without a fetcher the resolver serves stores only; a full miss is a
	// plain miss outcome, not an error.
	if r.fetcher == nil {
		r.emit("full_miss", map[string]any{"key": key})
		return Outcome{Key: key, Status: StatusMiss}
	}

	return r.fetchRealtime(ctx, key, req)
}

// probeCache returns a hit outcome when the entry exists and is still within
// its TTL. Stale entries are treated as misses: the strong-timeliness
// discipline, so readers never see data older than the policy allows.
// Infrastructure errors degrade to a miss.
func (r *Resolver) probeCache(ctx context.Context, key string) (Outcome, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	entry, found, err := r.cache.Get(probeCtx, key)
	if err != nil {
		r.log.Warn("cache probe failed, degrading to miss", "key", key, "err", err)
		r.emit("cache_probe_error", map[string]any{"key": key})
		return Outcome{}, false
	}
	if !found || !entry.Fresh(r.nowFunc()) {
		return Outcome{}, false
	}

	r.emit("cache_hit", map[string]any{"key": key})
	return Outcome{Key: key, Status: StatusHit, Source: SourceCache, Data: entry.Payload}, true
}

// probePersistence serves a durable copy if one exists and schedules an
// asynchronous cache refill that never blocks the caller.
func (r *Resolver) probePersistence(ctx context.Context, key string, req market.FetchRequest) (Outcome, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	payload, found, err := r.store.Retrieve(probeCtx, key)
	if err != nil {
		r.log.Warn("persistence probe failed, degrading to miss", "key", key, "err", err)
		r.emit("persistence_probe_error", map[string]any{"key": key})
		return Outcome{}, false
	}
	if !found {
		return Outcome{}, false
	}

	go r.refillCache(key, req, payload)

	r.emit("persistent_hit", map[string]any{"key": key})
	return Outcome{Key: key, Status: StatusHit, Source: SourcePersistent, Data: payload}, true
}

// refillCache writes a persistence hit back into the cache in the background.
// Detached from the request context: the caller has already been answered.
func (r *Resolver) refillCache(key string, req market.FetchRequest, payload json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ProbeTimeout)
	defer cancel()

	if err := r.cache.Set(ctx, r.buildEntry(key, req, payload)); err != nil {
		r.log.Warn("cache refill failed", "key", key, "err", err)
	}
}

// fetchRealtime performs the upstream fetch with single-flight
// de-duplication: concurrent callers for the same key share one fetch and
// receive the identical result.
func (r *Resolver) fetchRealtime(ctx context.Context, key string, req market.FetchRequest) Outcome {
	fl, leader := r.flights.join(key)

	if leader {
		go r.runFetch(key, req, fl)
	}

	select {
	case <-ctx.Done():
		return Outcome{Key: key, Status: StatusError, Source: SourceRealtime, Err: ctx.Err()}
	case <-fl.done:
	}

	if fl.err != nil {
		return Outcome{Key: key, Status: StatusError, Source: SourceRealtime, Err: fl.err}
	}
	return Outcome{Key: key, Status: StatusHit, Source: SourceRealtime, Data: fl.data}
}

// runFetch is executed by the flight leader only. It checks the rate
// limiter, calls upstream with a bounded context, writes through on success,
// and fans the shared result out by closing the flight's done channel. The
// in-flight entry is cleared before waiters wake so a subsequent resolve
// starts a fresh fetch.
func (r *Resolver) runFetch(key string, req market.FetchRequest, fl *flight) {
	defer func() {
		r.flights.forget(key)
		close(fl.done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FetchTimeout)
	defer cancel()

	if r.gate != nil {
		if dec := r.gate.Check(ctx, string(req.Provider)); !dec.Allowed {
			fl.err = &market.RateLimitError{
				Key:        string(req.Provider),
				Limit:      dec.Limit,
				RetryAfter: dec.RetryAfter,
			}
			r.emit("fetch_rate_limited", map[string]any{"key": key, "provider": string(req.Provider)})
			return
		}
	}

	payload, err := r.fetcher.Fetch(ctx, req.Symbol, req.Market, req.Provider)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			fl.err = market.ErrFetchTimeout
		} else {
			fl.err = &market.FetchError{Symbol: req.Symbol, Provider: req.Provider, Err: err}
		}
		r.emit("fetch_error", map[string]any{"key": key, "symbol": req.Symbol})
		return
	}

	// Write-through before waking waiters; a failed cache write degrades to
	// an uncached success.
	if err := r.cache.Set(ctx, r.buildEntry(key, req, payload)); err != nil {
		r.log.Warn("write-through failed", "key", key, "err", err)
	}

	fl.data = payload
	r.emit("fetch_ok", map[string]any{"key": key, "symbol": req.Symbol})
}

// buildEntry assembles a whole-value cache entry with a policy-computed TTL.
func (r *Resolver) buildEntry(key string, req market.FetchRequest, payload json.RawMessage) market.CacheEntry {
	var status *market.MarketStatus
	if r.status != nil {
		status = r.status(req.Market)
	}

	res := ttl.Calculate(ttl.Input{
		DataType:     req.DataType,
		MarketStatus: status,
		Freshness:    req.Freshness,
		Now:          r.nowFunc(),
	})

	strategy := market.StrategyWeakTimeliness
	switch {
	case req.Freshness == market.FreshnessRealtime:
		strategy = market.StrategyStrongTimeliness
	case status != nil:
		strategy = market.StrategyMarketAware
	}

	return market.CacheEntry{
		Key:        key,
		Payload:    payload,
		WrittenAt:  r.nowFunc(),
		TTLSeconds: res.TTL,
		Strategy:   strategy,
	}
}

func (r *Resolver) emit(event string, fields map[string]any) {
	if r.metrics != nil {
		r.metrics.Emit(event, fields)
	}
}
