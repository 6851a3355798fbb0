// Package stream implements the push-based streaming transport: one
// websocket connection multiplexing live channel subscriptions, with
// automatic reconnection, heartbeat-based dead-peer detection, and
// explicit gap notifications.
//
// Reconnects are gap-visible: the backend offers no resumption tokens,
// so frames lost between epochs are gone and every subscription receives
// exactly one gap event per dropped connection.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Sentinel errors.
var (
	// ErrDisconnected is the terminal streaming failure, surfaced to all
	// active subscriptions after the reconnect budget is exhausted.
	ErrDisconnected = errors.New("stream: disconnected, reconnect budget exhausted")
	// ErrClosed is returned for operations on an explicitly closed connection.
	ErrClosed = errors.New("stream: connection closed")
	// errHeartbeat kills an epoch whose peer went silent.
	errHeartbeat = errors.New("stream: heartbeat timeout, peer silent")
)

// TokenSource provides bearer tokens for the websocket handshake.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Transport is the send/receive primitive the connection drives. The
// production implementation wraps a websocket; tests substitute fakes.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc establishes a Transport to url, authenticating with token.
type DialFunc func(ctx context.Context, url, token string) (Transport, error)

// Defaults. The heartbeat timeout is deliberately shorter than any
// caller-visible operation timeout so "connection dead" is detected
// before callers give up on "no data".
const (
	defaultBufferSize        = 256
	defaultHeartbeatInterval = 5 * time.Second
	defaultHeartbeatTimeout  = 15 * time.Second
	defaultMaxReconnects     = 5
	defaultReconnectMin      = 250 * time.Millisecond
	defaultReconnectMax      = 30 * time.Second
)

// Config parameterizes a streaming connection.
type Config struct {
	URL   string
	Token TokenSource
	// Dial defaults to the websocket dialer.
	Dial DialFunc

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxReconnects     int
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	BufferSize        int

	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.Dial == nil {
		c.Dial = DialWebsocket
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}

	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}

	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}

	if c.ReconnectMin <= 0 {
		c.ReconnectMin = defaultReconnectMin
	}

	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}

	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Conn owns one physical streaming connection and the subscriptions
// multiplexed on it. Exactly one Conn exists per streaming driver.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	runOnce sync.Once
	ctx     context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	state  State
	subs   map[int64]*Subscription
	nextID int64
	epoch  int
	t      Transport // live transport while Streaming, else nil
}

// NewConn creates a streaming connection manager. No network activity
// happens until the first Subscribe.
func NewConn(cfg Config) *Conn {
	cfg.withDefaults()

	ctx, stop := context.WithCancel(context.Background())

	return &Conn{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		stop:   stop,
		state:  StateDisconnected,
		subs:   make(map[int64]*Subscription),
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Subscribe registers a filter and starts delivery. The first
// subscription brings the connection up; later ones share it. Cancelling
// the returned subscription never tears down the others.
func (c *Conn) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	c.mu.Lock()

	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	c.nextID++
	sub := newSubscription(c.nextID, f, c.cfg.BufferSize, c.unsubscribe)
	c.subs[sub.id] = sub
	t := c.t
	c.mu.Unlock()

	// Already streaming: register the filter on the live connection.
	// Otherwise the run loop subscribes it on (re)connect.
	if t != nil {
		msg, err := encodeSubscribe(f)
		if err != nil {
			return nil, err
		}

		if err := t.Write(ctx, msg); err != nil {
			// The run loop will notice the broken transport and
			// re-subscribe after reconnecting.
			c.logger.Warn("subscribe write failed, deferring to reconnect",
				slog.String("error", err.Error()))
		}
	}

	c.runOnce.Do(func() { go c.run() })

	return sub, nil
}

// Publish writes values to output channels over the live connection.
func (c *Conn) Publish(ctx context.Context, ids []string, values []float64) error {
	if len(ids) != len(values) {
		return fmt.Errorf("stream: %d ids but %d values", len(ids), len(values))
	}

	c.mu.Lock()
	t, state := c.t, c.state
	c.mu.Unlock()

	if state == StateClosed {
		return ErrClosed
	}

	if t == nil {
		return fmt.Errorf("stream: not connected (state %s)", state)
	}

	msg, err := encodeWrite(ids, values)
	if err != nil {
		return err
	}

	return t.Write(ctx, msg)
}

// Close cancels every subscription and shuts the connection down.
func (c *Conn) Close() error {
	c.stop()

	c.mu.Lock()
	c.state = StateClosed

	t := c.t
	c.t = nil

	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}

	c.subs = make(map[int64]*Subscription)
	c.mu.Unlock()

	for _, s := range subs {
		s.closeWith(nil)
	}

	if t != nil {
		return t.Close()
	}

	return nil
}

// unsubscribe removes one subscription, sending a best-effort
// unsubscribe message for its filter.
func (c *Conn) unsubscribe(s *Subscription) {
	c.mu.Lock()
	delete(c.subs, s.id)
	t := c.t
	c.mu.Unlock()

	s.closeWith(nil)

	if t != nil {
		if msg, err := encodeUnsubscribe(s.filter); err == nil {
			writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			_ = t.Write(writeCtx, msg) // best effort; reconnect re-syncs filters
		}
	}
}

// run is the connection state machine. It lives from the first Subscribe
// until Close or reconnect budget exhaustion.
func (c *Conn) run() {
	b := &backoff.Backoff{
		Min:    c.cfg.ReconnectMin,
		Max:    c.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	attempts := 0

	var lastErr error

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)

		t, err := c.connect()
		if err == nil {
			c.setState(StateAuthenticated)

			err = c.startStreaming(t, lastErr)
			if err == nil {
				attempts = 0
				b.Reset()

				err = c.readLoop(t)
			}

			t.Close()
		}

		if c.ctx.Err() != nil {
			return
		}

		lastErr = err

		c.mu.Lock()
		c.t = nil
		c.mu.Unlock()

		attempts++
		if attempts > c.cfg.MaxReconnects {
			c.fail(fmt.Errorf("%w: last error: %v", ErrDisconnected, err))
			return
		}

		wait := b.Duration()
		c.logger.Warn("stream connection lost, reconnecting",
			slog.Int("attempt", attempts),
			slog.Int("budget", c.cfg.MaxReconnects),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		c.setState(StateReconnecting)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connect obtains a token and dials the transport.
func (c *Conn) connect() (Transport, error) {
	tok, err := c.cfg.Token.Token(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("stream: obtaining token: %w", err)
	}

	t, err := c.cfg.Dial(c.ctx, c.cfg.URL, tok)
	if err != nil {
		return nil, fmt.Errorf("stream: dialing %s: %w", c.cfg.URL, err)
	}

	return t, nil
}

// startStreaming re-establishes every active subscription filter on the
// fresh transport and, for reconnects, emits the gap notification. The
// transport is published before the filters are written so a Subscribe
// racing the reconnect registers itself instead of being missed; the
// worst case is a duplicate subscribe message, which the backend treats
// as idempotent.
func (c *Conn) startStreaming(t Transport, lastErr error) error {
	c.mu.Lock()
	c.t = t
	c.epoch++
	epoch := c.epoch

	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		msg, err := encodeSubscribe(s.filter)
		if err != nil {
			return err
		}

		if err := t.Write(c.ctx, msg); err != nil {
			c.mu.Lock()
			c.t = nil
			c.mu.Unlock()

			return fmt.Errorf("stream: re-subscribing: %w", err)
		}
	}

	c.setState(StateStreaming)
	c.logger.Info("streaming",
		slog.Int("epoch", epoch),
		slog.Int("subscriptions", len(subs)),
	)

	// Epoch 1 is the initial connect; anything later is a reconnect and
	// the frames in between are a visible gap.
	if epoch > 1 {
		reason := ""
		if lastErr != nil {
			reason = lastErr.Error()
		}

		for _, s := range subs {
			s.deliver(Event{Type: EventGap, Gap: &Gap{
				Epoch:   epoch,
				Dropped: int(s.takeDropped()),
				Reason:  reason,
			}})
		}
	}

	return nil
}

// readLoop pumps frames from the transport until it errors, the peer
// goes silent past the heartbeat timeout, or the connection is closed.
func (c *Conn) readLoop(t Transport) error {
	msgs := make(chan []byte)
	errs := make(chan error, 1)

	readCtx, cancelRead := context.WithCancel(c.ctx)
	defer cancelRead()

	go func() {
		for {
			data, err := t.Read(readCtx)
			if err != nil {
				errs <- err
				return
			}

			select {
			case msgs <- data:
			case <-readCtx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ping.Stop()

	silent := time.NewTimer(c.cfg.HeartbeatTimeout)
	defer silent.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case err := <-errs:
			return err
		case data := <-msgs:
			if !silent.Stop() {
				<-silent.C
			}

			silent.Reset(c.cfg.HeartbeatTimeout)

			c.handleMessage(data)
		case <-ping.C:
			msg, err := encodePing()
			if err != nil {
				return err
			}

			if err := t.Write(c.ctx, msg); err != nil {
				return fmt.Errorf("stream: heartbeat write: %w", err)
			}
		case <-silent.C:
			return errHeartbeat
		}
	}
}

// handleMessage decodes a push message and dispatches it to matching
// subscriptions. Undecodable messages are logged and skipped; one broken
// frame must not kill the connection.
func (c *Conn) handleMessage(data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		c.logger.Warn("discarding malformed frame", slog.String("error", err.Error()))
		return
	}

	if len(frame.Values) == 0 {
		// Ping replies and acks decode to empty frames.
		return
	}

	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))

	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		matched := frame.Values[:0:0]

		for _, v := range frame.Values {
			if s.filter.matches(v.ID) {
				matched = append(matched, v)
			}
		}

		if len(matched) == 0 {
			continue
		}

		s.deliver(Event{Type: EventFrame, Frame: &Frame{
			Timestamp: frame.Timestamp,
			Values:    matched,
		}})
	}
}

// fail surfaces a terminal error to every active subscription.
func (c *Conn) fail(err error) {
	c.logger.Error("stream terminally failed", slog.String("error", err.Error()))

	c.mu.Lock()
	c.state = StateClosed
	c.t = nil

	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}

	c.subs = make(map[int64]*Subscription)
	c.mu.Unlock()

	for _, s := range subs {
		s.closeWith(err)
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()

	if c.state != StateClosed {
		c.state = s
	}

	c.mu.Unlock()
}
