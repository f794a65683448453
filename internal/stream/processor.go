// Package stream implements the write path: it consumes live quote ticks,
// accumulates them into dynamically sized batches, and hands completed
// batches to a pipeline (consistency check, cache write-through, broadcast,
// metrics) behind a circuit breaker.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/quotecache/quotecache/internal/market"
)

// Batch is one flushed accumulation for a single symbol stream. Items keep
// arrival order; successive batches for the same symbol never reorder.
type Batch struct {
	Symbol   string
	Market   string
	Provider market.Provider
	Items    []market.QuoteTick
	OpenedAt time.Time
	ClosedAt time.Time
}

// Callbacks is the flush pipeline. Stages run in order; an error in one
// stage is reported through OnError and never aborts the remaining stages.
type Callbacks struct {
	// WriteThrough persists the batch into the cache. Must use the same key
	// derivation as the resolver's read path.
	WriteThrough func(ctx context.Context, b Batch) error

	// Broadcast fans the batch out to live subscribers.
	Broadcast func(b Batch) error

	// Metrics records pipeline measurements. Failures never propagate.
	Metrics func(b Batch) error

	// OnError receives every caught callback error with its stage name.
	OnError func(stage string, err error)
}

// Config holds the processor's tunables.
type Config struct {
	// QueueSize bounds the ingestion buffer. When full, Ingest drops the
	// tick rather than blocking the producer.
	QueueSize int

	Dynamic DynamicConfig
	Breaker BreakerConfig
}

// DefaultConfig returns production-tuned defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize: 4096,
		Dynamic:   DefaultDynamicConfig(),
		Breaker:   DefaultBreakerConfig(),
	}
}

// StateSnapshot is a point-in-time diagnostic view of the processor.
type StateSnapshot struct {
	OpenBatches    int
	FlushInterval  time.Duration
	MaxBatchSize   int
	Breaker        string
	TicksIngested  uint64
	TicksDropped   uint64
	TicksMalformed uint64
	BatchesFlushed uint64
	BatchesShed    uint64
}

// accumulator is the Accumulating state for one symbol stream.
type accumulator struct {
	items    []market.QuoteTick
	openedAt time.Time
	timer    *time.Timer
	gen      uint64 // guards against stale timer fires after a size flush
}

type flushSignal struct {
	symbol string
	gen    uint64
}

// Processor accumulates inbound ticks into batches with a size/time dual
// trigger and hands them to the pipeline. Ingest never blocks the producer;
// flush errors are observable only through OnError and metrics.
type Processor struct {
	cfg  Config
	cbs  Callbacks
	log  *slog.Logger
	dyn  *dynamicState
	brk  *breaker
	in   chan market.QuoteTick
	tick chan flushSignal

	accs map[string]*accumulator
	gens uint64

	ticksIn    atomic.Uint64
	dropped    atomic.Uint64
	malformed  atomic.Uint64
	flushed    atomic.Uint64
	shed       atomic.Uint64
	sinceCheck atomic.Uint64
	openCount  atomic.Int64

	nowFunc func() time.Time
}

// New creates a Processor. Run must be started before ingested ticks flow.
func New(cfg Config, cbs Callbacks, log *slog.Logger) *Processor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Processor{
		cfg:     cfg,
		cbs:     cbs,
		log:     log,
		dyn:     newDynamicState(cfg.Dynamic),
		brk:     newBreaker(cfg.Breaker),
		in:      make(chan market.QuoteTick, cfg.QueueSize),
		tick:    make(chan flushSignal, 1024),
		accs:    make(map[string]*accumulator),
		nowFunc: time.Now,
	}
}

// Ingest queues a tick for batching. Non-blocking: if the queue is full the
// tick is dropped and counted, never stalling the feed.
func (p *Processor) Ingest(t market.QuoteTick) {
	select {
	case p.in <- t:
	default:
		p.dropped.Add(1)
	}
}

// Run consumes the ingestion queue and drives the accumulation state machine
// until ctx is cancelled. It also starts the load monitor. All accumulator
// mutation happens on this goroutine; the pipeline runs inline so successive
// batches of one symbol reach the callbacks in order.
func (p *Processor) Run(ctx context.Context) {
	go p.monitor(ctx)

	for {
		select {
		case <-ctx.Done():
			p.flushAll(ctx)
			return
		case t := <-p.in:
			p.accept(ctx, t)
		case sig := <-p.tick:
			p.onTimer(ctx, sig)
		}
	}
}

// accept runs the Idle→Accumulating transition and the size trigger.
func (p *Processor) accept(ctx context.Context, t market.QuoteTick) {
	if !t.Valid() {
		p.malformed.Add(1)
		p.log.Warn("dropping malformed tick", "symbol", t.Symbol, "provider", string(t.Provider))
		return
	}
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = p.nowFunc()
	}

	p.ticksIn.Add(1)
	p.sinceCheck.Add(1)

	interval, maxSize := p.dyn.snapshot()

	acc, ok := p.accs[t.Symbol]
	if !ok {
		// First tick since the last flush opens a batch and arms the
		// latency-bound timer.
		p.gens++
		acc = &accumulator{openedAt: p.nowFunc(), gen: p.gens}
		p.accs[t.Symbol] = acc
		p.openCount.Add(1)

		sym, gen := t.Symbol, acc.gen
		acc.timer = time.AfterFunc(interval, func() {
			p.tick <- flushSignal{symbol: sym, gen: gen}
		})
	}

	acc.items = append(acc.items, t)

	if len(acc.items) >= maxSize {
		p.flush(ctx, t.Symbol, acc)
	}
}

// onTimer handles a latency-trigger fire. A stale generation means the batch
// it was armed for already flushed by size; the signal is ignored.
func (p *Processor) onTimer(ctx context.Context, sig flushSignal) {
	acc, ok := p.accs[sig.symbol]
	if !ok || acc.gen != sig.gen || len(acc.items) == 0 {
		return
	}
	p.flush(ctx, sig.symbol, acc)
}

// flush closes the batch, leaves Accumulating, and runs the pipeline.
func (p *Processor) flush(ctx context.Context, symbol string, acc *accumulator) {
	if acc.timer != nil {
		acc.timer.Stop()
	}
	delete(p.accs, symbol)
	p.openCount.Add(-1)

	first := acc.items[0]
	b := Batch{
		Symbol:   symbol,
		Market:   first.Market,
		Provider: first.Provider,
		Items:    acc.items,
		OpenedAt: acc.openedAt,
		ClosedAt: p.nowFunc(),
	}

	if !p.brk.allow() {
		p.shed.Add(1)
		if p.cbs.OnError != nil {
			p.cbs.OnError("breaker", market.ErrBreakerOpen)
		}
		return
	}

	failed := false
	report := func(stage string, err error) {
		failed = true
		if p.cbs.OnError != nil {
			p.cbs.OnError(stage, err)
		}
		p.log.Warn("pipeline callback failed", "stage", stage, "symbol", symbol, "err", err)
	}

	if err := checkConsistency(b); err != nil {
		report("consistency", err)
	}
	if p.cbs.WriteThrough != nil {
		if err := p.cbs.WriteThrough(ctx, b); err != nil {
			report("write_through", err)
		}
	}
	if p.cbs.Broadcast != nil {
		if err := p.cbs.Broadcast(b); err != nil {
			report("broadcast", err)
		}
	}
	if p.cbs.Metrics != nil {
		if err := p.cbs.Metrics(b); err != nil {
			report("metrics", err)
		}
	}

	if failed {
		p.brk.recordFailure()
	} else {
		p.brk.recordSuccess()
	}
	p.flushed.Add(1)
}

// flushAll drains every open accumulator on shutdown.
func (p *Processor) flushAll(ctx context.Context) {
	for sym, acc := range p.accs {
		if len(acc.items) > 0 {
			p.flush(ctx, sym, acc)
		}
	}
}

// checkConsistency verifies every item in the batch belongs to the same
// symbol stream and provider.
func checkConsistency(b Batch) error {
	for _, it := range b.Items {
		if it.Symbol != b.Symbol {
			return fmt.Errorf("batch for %s contains tick for %s", b.Symbol, it.Symbol)
		}
		if it.Provider != b.Provider {
			return fmt.Errorf("batch for %s mixes providers %s and %s", b.Symbol, b.Provider, it.Provider)
		}
	}
	return nil
}

// monitor samples throughput on a fixed cadence and feeds the dynamic
// batching policy. It is the only writer of the dynamic state.
func (p *Processor) monitor(ctx context.Context) {
	interval := p.dyn.cfg.MonitorInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := p.sinceCheck.Swap(0)
			// Normalize to ticks per 5s regardless of cadence.
			rate := float64(count) * float64(5*time.Second) / float64(interval)
			p.dyn.observe(rate)
		}
	}
}

// State returns a diagnostic snapshot.
func (p *Processor) State() StateSnapshot {
	interval, maxSize := p.dyn.snapshot()
	return StateSnapshot{
		OpenBatches:    int(p.openCount.Load()),
		FlushInterval:  interval,
		MaxBatchSize:   maxSize,
		Breaker:        p.brk.current().String(),
		TicksIngested:  p.ticksIn.Load(),
		TicksDropped:   p.dropped.Load(),
		TicksMalformed: p.malformed.Load(),
		BatchesFlushed: p.flushed.Load(),
		BatchesShed:    p.shed.Load(),
	}
}
