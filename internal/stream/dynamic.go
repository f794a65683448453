package stream

import (
	"sync"
	"time"
)

// DynamicConfig bounds the adaptive batching policy. The monitor may move
// the flush interval and max batch size anywhere inside these bounds, never
// outside them.
type DynamicConfig struct {
	Enabled bool

	InitialInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration

	InitialMaxSize int
	MinSize        int
	MaxSizeCap     int

	// MonitorInterval is the cadence of load sampling.
	MonitorInterval time.Duration

	// HighWatermark / LowWatermark are tick rates (per 5s window) above and
	// below which the policy tightens or relaxes.
	HighWatermark float64
	LowWatermark  float64
}

// DefaultDynamicConfig returns production-tuned defaults.
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{
		Enabled:         true,
		InitialInterval: 500 * time.Millisecond,
		MinInterval:     100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		InitialMaxSize:  50,
		MinSize:         10,
		MaxSizeCap:      500,
		MonitorInterval: 5 * time.Second,
		HighWatermark:   1000,
		LowWatermark:    100,
	}
}

const loadSampleRing = 12

// dynamicState carries the live batching parameters. Only the load monitor
// goroutine mutates it; the flush path reads an atomic-style snapshot under
// the mutex. Adjustments are stepwise (±25%) and always clamped, so the
// policy is monotone per step and can never run away.
type dynamicState struct {
	cfg DynamicConfig

	mu       sync.Mutex
	interval time.Duration
	maxSize  int
	samples  [loadSampleRing]float64
	sampleN  int
}

func newDynamicState(cfg DynamicConfig) *dynamicState {
	d := DefaultDynamicConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = d.InitialInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = d.MinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = d.MaxInterval
	}
	if cfg.InitialMaxSize <= 0 {
		cfg.InitialMaxSize = d.InitialMaxSize
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = d.MinSize
	}
	if cfg.MaxSizeCap <= 0 {
		cfg.MaxSizeCap = d.MaxSizeCap
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = d.MonitorInterval
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = d.HighWatermark
	}
	if cfg.LowWatermark <= 0 {
		cfg.LowWatermark = d.LowWatermark
	}
	return &dynamicState{
		cfg:      cfg,
		interval: cfg.InitialInterval,
		maxSize:  cfg.InitialMaxSize,
	}
}

// snapshot returns the current interval and max size for flush decisions.
func (d *dynamicState) snapshot() (time.Duration, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval, d.maxSize
}

// observe records one load sample (ticks per 5s window) and adjusts the
// parameters: high load shrinks the interval toward its floor and grows the
// batch size toward its cap for fewer, larger batches; low load relaxes both
// back toward their initial values.
func (d *dynamicState) observe(rate float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.samples[d.sampleN%loadSampleRing] = rate
	d.sampleN++

	if !d.cfg.Enabled {
		return
	}

	switch {
	case rate > d.cfg.HighWatermark:
		d.interval = clampDuration(d.interval*3/4, d.cfg.MinInterval, d.cfg.MaxInterval)
		d.maxSize = clampInt(d.maxSize*5/4, d.cfg.MinSize, d.cfg.MaxSizeCap)
	case rate < d.cfg.LowWatermark:
		d.interval = clampDuration(d.interval*5/4, d.cfg.MinInterval, d.cfg.MaxInterval)
		d.maxSize = clampInt(d.maxSize*4/5, d.cfg.MinSize, d.cfg.MaxSizeCap)
	}
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
