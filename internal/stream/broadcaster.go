package stream

import (
	"log/slog"
	"sync"
)

// Broadcaster fans flushed batches out to filtered per-symbol subscribers
// and a unified "all" stream. Delivery is non-blocking: slow consumers get
// batches dropped rather than stalling the flush pipeline.
type Broadcaster struct {
	log *slog.Logger

	// Filtered subscribers keyed by symbol.
	mu   sync.RWMutex
	subs map[string][]chan Batch

	// allMu guards the unified subscriber list.
	allMu  sync.RWMutex
	allSub []chan Batch
}

// NewBroadcaster creates a Broadcaster ready for subscriptions.
func NewBroadcaster(log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		log:  log,
		subs: make(map[string][]chan Batch),
	}
}

// Subscribe returns a buffered channel receiving batches for one symbol.
// The caller must drain the channel to avoid dropped batches.
func (b *Broadcaster) Subscribe(symbol string) <-chan Batch {
	ch := make(chan Batch, 256)

	b.mu.Lock()
	b.subs[symbol] = append(b.subs[symbol], ch)
	b.mu.Unlock()

	return ch
}

// SubscribeAll returns a buffered channel receiving every flushed batch
// regardless of symbol. Intended for logging, metrics, or persistence.
func (b *Broadcaster) SubscribeAll() <-chan Batch {
	ch := make(chan Batch, 512)

	b.allMu.Lock()
	b.allSub = append(b.allSub, ch)
	b.allMu.Unlock()

	return ch
}

// Publish distributes a batch to all matching subscribers. It satisfies the
// processor's Broadcast callback and never returns an error: a slow
// subscriber loses the batch, the pipeline does not.
func (b *Broadcaster) Publish(batch Batch) error {
	b.mu.RLock()
	for _, ch := range b.subs[batch.Symbol] {
		select {
		case ch <- batch:
		default:
			b.log.Warn("dropping batch for slow subscriber", "symbol", batch.Symbol)
		}
	}
	b.mu.RUnlock()

	b.allMu.RLock()
	for _, ch := range b.allSub {
		select {
		case ch <- batch:
		default:
			// Slow unified subscriber, drop.
		}
	}
	b.allMu.RUnlock()

	return nil
}
