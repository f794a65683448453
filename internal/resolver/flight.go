package resolver

import (
	"encoding/json"
	"sync"
	"time"
)

// flight is one outstanding realtime fetch. The leader populates data/err
// and then closes done; every waiter reads the same result. Fields are
// written only before done is closed, so waiters need no further locking.
type flight struct {
	done      chan struct{}
	data      json.RawMessage
	err       error
	startedAt time.Time
}

// flightTable de-duplicates concurrent fetches per key. The invariant it
// exists to uphold: at most one in-flight fetch per key at any instant.
type flightTable struct {
	mu sync.Mutex
	m  map[string]*flight
}

func newFlightTable() *flightTable {
	return &flightTable{m: make(map[string]*flight)}
}

// join returns the flight for key, creating it if absent. The second return
// is true for the caller that created the entry (the leader), which is then
// responsible for running the fetch and clearing the entry.
func (t *flightTable) join(key string) (*flight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fl, ok := t.m[key]; ok {
		return fl, false
	}
	fl := &flight{done: make(chan struct{}), startedAt: time.Now()}
	t.m[key] = fl
	return fl, true
}

// forget removes key's entry. Called by the leader exactly once per flight,
// on success, failure, and timeout alike, so entries never leak.
func (t *flightTable) forget(key string) {
	t.mu.Lock()
	delete(t.m, key)
	t.mu.Unlock()
}

// size reports the number of outstanding flights (diagnostics).
func (t *flightTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
