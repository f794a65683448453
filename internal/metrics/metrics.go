// Package metrics provides lightweight in-process observability: named
// atomic counters plus a fire-and-forget event sink. Nothing here ever
// returns an error to a caller; a metrics failure must not affect serving.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry holds named counters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]uint64)}
}

// Inc adds one to the named counter.
func (r *Registry) Inc(name string) {
	r.mu.Lock()
	r.counters[name]++
	r.mu.Unlock()
}

// Add adds n to the named counter.
func (r *Registry) Add(name string, n uint64) {
	r.mu.Lock()
	r.counters[name] += n
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all counters.
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Sink counts every emitted event and mirrors it to a debug log. Satisfies
// the resolver's MetricsSink contract.
type Sink struct {
	reg *Registry
	log *slog.Logger
}

// NewSink creates a sink writing into reg. log may be nil.
func NewSink(reg *Registry, log *slog.Logger) *Sink {
	return &Sink{reg: reg, log: log}
}

// Emit records one event. Fire-and-forget: failures stay inside the sink.
func (s *Sink) Emit(event string, fields map[string]any) {
	s.reg.Inc("event." + event)
	if s.log != nil && s.log.Enabled(context.Background(), slog.LevelDebug) {
		attrs := make([]any, 0, 2*len(fields)+2)
		attrs = append(attrs, "at", time.Now())
		for k, v := range fields {
			attrs = append(attrs, k, v)
		}
		s.log.Debug("metric "+event, attrs...)
	}
}
