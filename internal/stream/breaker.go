package stream

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's position.
type BreakerState int32

const (
	BreakerClosed   BreakerState = iota // healthy, batches flow
	BreakerOpen                         // shedding, pipeline not invoked
	BreakerHalfOpen                     // probing with a single trial batch
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig holds tunable parameters for the pipeline circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive pipeline failures that
	// opens the breaker.
	FailureThreshold int

	// CoolDown is how long the breaker stays open before admitting a single
	// trial batch.
	CoolDown time.Duration
}

// DefaultBreakerConfig returns production-tuned defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         10 * time.Second,
	}
}

// breaker protects the flush pipeline from repeated downstream failures.
// While open, batches are shed instead of flushed into a failing pipeline;
// after the cool-down a single trial batch decides whether to close.
type breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	consecutive int
	openedAt    time.Time
	probing     bool

	nowFunc func() time.Time // injectable clock for testing
}

func newBreaker(cfg BreakerConfig) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultBreakerConfig().CoolDown
	}
	return &breaker{cfg: cfg, nowFunc: time.Now}
}

// allow reports whether a batch may enter the pipeline right now. During
// half-open it admits exactly one trial; concurrent batches are shed until
// the trial's verdict arrives.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.nowFunc().Sub(b.openedAt) >= b.cfg.CoolDown {
			b.state = BreakerHalfOpen
			b.probing = true
			return true
		}
		return false
	default: // half-open
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// recordSuccess resets the failure streak; a successful half-open trial
// closes the breaker.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive = 0
	b.probing = false
	b.state = BreakerClosed
}

// recordFailure extends the failure streak and opens the breaker once the
// threshold is hit. A failed half-open trial re-opens immediately.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.nowFunc()
		return
	}

	b.consecutive++
	if b.consecutive >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.nowFunc()
		b.consecutive = 0
	}
}

// current returns the breaker state for diagnostics.
func (b *breaker) current() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
