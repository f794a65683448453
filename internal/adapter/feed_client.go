package adapter

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quotecache/quotecache/internal/market"
)

// Decoder turns one raw feed frame into zero or more quote ticks. Returning
// an empty slice skips the frame; an error counts it as a decode failure.
type Decoder func(frame []byte) ([]market.QuoteTick, error)

// FeedConfig holds tunable parameters for a FeedClient.
type FeedConfig struct {
	URL      string
	Provider market.Provider

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum silence before the client considers
	// the connection dead and reconnects.
	HeartbeatTimeout time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultFeedConfig returns defaults tuned for low-latency market data.
func DefaultFeedConfig(url string, provider market.Provider) FeedConfig {
	return FeedConfig{
		URL:              url,
		Provider:         provider,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 5 * time.Second,
		BackoffInitial:   50 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		BackoffFactor:    2.0,
	}
}

// FeedClient is a resilient WebSocket consumer of a live quote feed. It
// reconnects with exponential backoff, watches heartbeats, decodes inbound
// frames into QuoteTicks, and delivers them on a buffered channel without
// ever blocking the read loop.
type FeedClient struct {
	cfg    FeedConfig
	decode Decoder
	log    *slog.Logger

	mu   sync.RWMutex
	conn *websocket.Conn

	ticks chan market.QuoteTick

	decodeErrs atomic.Uint64
	dropped    atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeedClient creates a feed client. Call Connect to start.
func NewFeedClient(cfg FeedConfig, decode Decoder, log *slog.Logger) *FeedClient {
	return &FeedClient{
		cfg:    cfg,
		decode: decode,
		log:    log,
		ticks:  make(chan market.QuoteTick, 1024),
		done:   make(chan struct{}),
	}
}

// Ticks returns the stream of decoded quote ticks.
func (fc *FeedClient) Ticks() <-chan market.QuoteTick {
	return fc.ticks
}

// DecodeErrors reports how many inbound frames failed to decode.
func (fc *FeedClient) DecodeErrors() uint64 {
	return fc.decodeErrs.Load()
}

// Connect dials the feed and starts the read loop. It blocks until the
// initial connection succeeds or ctx is cancelled.
func (fc *FeedClient) Connect(ctx context.Context) error {
	ctx, fc.cancel = context.WithCancel(ctx)

	if err := fc.dial(ctx); err != nil {
		return err
	}

	go fc.readLoop(ctx)
	return nil
}

// Close signals shutdown and closes the connection. The read loop owns the
// tick channel and closes it on its way out, so a frame in flight can never
// race a channel close.
func (fc *FeedClient) Close() {
	if fc.cancel != nil {
		fc.cancel()
	}
	fc.mu.Lock()
	if fc.conn != nil {
		fc.conn.Close()
	}
	fc.mu.Unlock()
}

// Done returns a channel closed when the client has fully shut down.
func (fc *FeedClient) Done() <-chan struct{} {
	return fc.done
}

// dial establishes the connection with TCP_NODELAY enabled.
func (fc *FeedClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:  fc.cfg.ReadBufferSize,
		WriteBufferSize: fc.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, fc.cfg.URL, fc.cfg.Headers)
	if err != nil {
		return err
	}

	fc.mu.Lock()
	fc.conn = conn
	fc.mu.Unlock()
	return nil
}

// reconnect loops with exponential backoff until a connection is
// re-established or the context is cancelled.
func (fc *FeedClient) reconnect(ctx context.Context) bool {
	delay := fc.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := fc.dial(ctx); err != nil {
			fc.log.Warn("feed reconnect failed", "err", err, "retry_in", delay)
			delay = time.Duration(math.Min(
				float64(delay)*fc.cfg.BackoffFactor,
				float64(fc.cfg.BackoffMax),
			))
			continue
		}
		return true
	}
}

// readLoop reads frames, decodes them, and delivers ticks. It doubles as
// the heartbeat monitor: silence past HeartbeatTimeout triggers a reconnect.
// On exit it closes the tick channel and the done channel.
func (fc *FeedClient) readLoop(ctx context.Context) {
	defer func() {
		close(fc.ticks)
		close(fc.done)
	}()

	for {
		fc.mu.RLock()
		c := fc.conn
		fc.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(fc.cfg.HeartbeatTimeout))
		_, frame, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fc.log.Warn("feed read error, reconnecting", "err", err)
			c.Close()
			if !fc.reconnect(ctx) {
				return
			}
			continue
		}

		fc.deliver(frame)
	}
}

// deliver decodes one frame and pushes the resulting ticks non-blocking.
func (fc *FeedClient) deliver(frame []byte) {
	ticks, err := fc.decode(frame)
	if err != nil {
		fc.decodeErrs.Add(1)
		fc.log.Warn("feed frame decode failed", "err", err)
		return
	}

	now := time.Now()
	for _, t := range ticks {
		if t.Provider == "" {
			t.Provider = fc.cfg.Provider
		}
		if t.ReceivedAt.IsZero() {
			t.ReceivedAt = now
		}
		select {
		case fc.ticks <- t:
		default:
			fc.dropped.Add(1)
		}
	}
}
