package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quotecache/quotecache/internal/adapter"
	"github.com/quotecache/quotecache/internal/config"
	"github.com/quotecache/quotecache/internal/logging"
	"github.com/quotecache/quotecache/internal/market"
	"github.com/quotecache/quotecache/internal/metrics"
	"github.com/quotecache/quotecache/internal/ratelimit"
	"github.com/quotecache/quotecache/internal/resolver"
	"github.com/quotecache/quotecache/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Dir: cfg.Log.Dir})
	log.Info("quotecache starting", "env", cfg.Env)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cache, err := adapter.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Error("redis connection failed", "addr", cfg.Redis.Addr, "err", err)
		os.Exit(1)
	}
	defer cache.Close()

	store, err := adapter.NewPostgresStore(ctx, cfg.DB.DSN())
	if err != nil {
		log.Error("postgres connection failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	limiter, err := ratelimit.New(
		adapter.NewRedisCounterStore(cache.Client()),
		log,
		ratelimit.Config{
			Strategy: ratelimit.Strategy(cfg.RateLimit.Strategy),
			Limit:    cfg.RateLimit.Limit,
			Window:   cfg.RateLimit.Window,
		},
	)
	if err != nil {
		log.Error("invalid rate limit config", "err", err)
		os.Exit(1)
	}

	registry := metrics.NewRegistry()
	sink := metrics.NewSink(registry, log)

	// Without a provider endpoint the resolver serves cache and persistence
	// only and reports full misses as misses.
	var fetcher resolver.Fetcher
	if cfg.Fetcher.BaseURL != "" {
		fetcher = adapter.NewHTTPFetcher(cfg.Fetcher.BaseURL, cfg.Fetcher.APIKey, cfg.Fetcher.Timeout)
	}

	res := resolver.New(
		resolver.Config{
			FetchTimeout: cfg.Resolver.FetchTimeout,
			ProbeTimeout: cfg.Resolver.ProbeTimeout,
		},
		cache, store, fetcher, limiter, nil, sink, log,
	)

	if cfg.Warm.FlushProvider {
		pattern := market.CacheKeyPattern(market.Provider(cfg.Feed.Provider))
		if removed, err := cache.InvalidatePattern(ctx, pattern); err != nil {
			log.Warn("startup cache flush failed", "pattern", pattern, "err", err)
		} else {
			log.Info("flushed provider cache", "pattern", pattern, "removed", removed)
		}
	}

	if len(cfg.Warm.Symbols) > 0 {
		go warmCache(ctx, res, cfg, log)
	}

	broadcaster := stream.NewBroadcaster(log)

	processor := stream.New(
		stream.Config{
			QueueSize: cfg.Batcher.QueueSize,
			Dynamic: stream.DynamicConfig{
				Enabled:         cfg.Batcher.DynamicEnabled,
				InitialInterval: cfg.Batcher.InitialInterval,
				MinInterval:     cfg.Batcher.MinInterval,
				MaxInterval:     cfg.Batcher.MaxInterval,
				InitialMaxSize:  cfg.Batcher.InitialMaxSize,
				MinSize:         cfg.Batcher.MinSize,
				MaxSizeCap:      cfg.Batcher.MaxSizeCap,
				MonitorInterval: cfg.Batcher.MonitorInterval,
				HighWatermark:   cfg.Batcher.HighWatermark,
				LowWatermark:    cfg.Batcher.LowWatermark,
			},
			Breaker: stream.BreakerConfig{
				FailureThreshold: cfg.Batcher.FailureThreshold,
				CoolDown:         cfg.Batcher.CoolDown,
			},
		},
		stream.Callbacks{
			WriteThrough: stream.WriteThrough(cache, nil, cfg.Batcher.DataType),
			Broadcast:    broadcaster.Publish,
			Metrics: func(b stream.Batch) error {
				registry.Inc("batches_flushed")
				registry.Add("ticks_flushed", uint64(len(b.Items)))
				return nil
			},
			OnError: func(stage string, err error) {
				registry.Inc("pipeline_errors." + stage)
			},
		},
		log,
	)
	go processor.Run(ctx)

	if cfg.Feed.URL != "" {
		provider := market.Provider(cfg.Feed.Provider)
		feedCfg := adapter.DefaultFeedConfig(cfg.Feed.URL, provider)
		if cfg.Feed.HeartbeatTimeout > 0 {
			feedCfg.HeartbeatTimeout = cfg.Feed.HeartbeatTimeout
		}

		feed := adapter.NewFeedClient(feedCfg, adapter.JSONTickDecoder(provider), log)
		if err := feed.Connect(ctx); err != nil {
			log.Error("feed connection failed", "url", cfg.Feed.URL, "err", err)
			os.Exit(1)
		}
		defer feed.Close()

		go func() {
			for t := range feed.Ticks() {
				processor.Ingest(t)
			}
		}()
		log.Info("feed connected", "url", cfg.Feed.URL, "provider", cfg.Feed.Provider)
	}

	<-ctx.Done()

	state := processor.State()
	log.Info("quotecache shutting down",
		"ticks_ingested", state.TicksIngested,
		"batches_flushed", state.BatchesFlushed,
		"ticks_dropped", state.TicksDropped)
}

// warmCache primes the cache for the configured symbols at startup so the
// first client queries land on warm entries.
func warmCache(ctx context.Context, res *resolver.Resolver, cfg *config.Config, log *slog.Logger) {
	reqs := make([]market.FetchRequest, 0, len(cfg.Warm.Symbols))
	for _, sym := range cfg.Warm.Symbols {
		reqs = append(reqs, market.FetchRequest{
			Symbol:   sym,
			Market:   cfg.Warm.Market,
			Provider: market.Provider(cfg.Feed.Provider),
			DataType: cfg.Batcher.DataType,
		})
	}

	for _, oc := range res.Resolve(ctx, reqs) {
		if oc.Err != nil || oc.Status == resolver.StatusMiss {
			log.Warn("cache warm-up miss", "key", oc.Key, "err", oc.Err)
			continue
		}
		log.Info("cache warmed", "key", oc.Key, "source", string(oc.Source))
	}
}
