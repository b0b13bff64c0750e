// Package stream owns the persistent websocket connection to the venue, the
// active subscription set, and the routing of decoded frames to registered
// channel handlers. The connection is kept alive under network failure via a
// circuit-breaker-gated reconnect loop with exponential backoff.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentryfi/hlsentinel/internal/buffer"
	"github.com/sentryfi/hlsentinel/internal/domain"
	"github.com/sentryfi/hlsentinel/internal/resilience"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// handshakeTimeout bounds the websocket dial.
	handshakeTimeout = 15 * time.Second

	// MaxSubscriptions is the provider-imposed per-connection subscription cap.
	MaxSubscriptions = 1000

	// staleAfter marks the connection unhealthy when no message has arrived
	// within this window.
	staleAfter = 5 * time.Minute

	// dispatchBatchSize bounds how many buffered messages the dispatch loop
	// claims per drain pass.
	dispatchBatchSize = 64
)

// Subscription identifies one data stream: a channel type plus its
// parameters (coin, user address, candle interval).
type Subscription struct {
	Type   string
	Params map[string]string
}

// Key returns the canonical identity of the subscription: the type followed
// by its parameters in sorted order. Two subscriptions with the same key are
// the same stream, so duplicate subscribes are idempotent.
func (s Subscription) Key() string {
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(s.Type)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(s.Params[k])
	}
	return sb.String()
}

// controlFrame is the subscribe/unsubscribe message sent to the venue.
type controlFrame struct {
	Method       string         `json:"method"`
	Subscription map[string]any `json:"subscription"`
}

func (s Subscription) payload() map[string]any {
	m := make(map[string]any, len(s.Params)+1)
	m["type"] = s.Type
	for k, v := range s.Params {
		m[k] = v
	}
	return m
}

// Config holds stream client parameters.
type Config struct {
	URL                 string
	EnableAutoReconnect bool
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	BufferSize          int
	Breaker             resilience.Config
}

// Stats summarizes client throughput and link health for the health surface.
type Stats struct {
	Connected           bool
	Running             bool
	ActiveSubscriptions int
	MessagesReceived    int64
	MessagesProcessed   int64
	MessagesFailed      int64
	MessagesSent        int64
	Reconnections       int64
	BreakerTrips        int64
	LastMessageAt       time.Time
	ConnectedAt         time.Time
	Breaker             resilience.Snapshot
	Buffer              buffer.Stats
}

// Client is the stream ingestor. It owns exactly one websocket connection,
// one circuit breaker, and one message buffer; there is no cross-instance
// sharing.
type Client struct {
	cfg     Config
	breaker *resilience.Breaker
	buf     *buffer.Buffer
	router  *Router
	logger  *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	running  bool
	subs     map[string]Subscription
	connGen  int
	attempts int
	done     chan struct{}

	// wake nudges the dispatch loop after a buffer insert; drainOnce starts
	// the loop on the first successful connect.
	wake      chan struct{}
	drainOnce sync.Once

	statsMu           sync.Mutex
	connected         bool
	messagesReceived  int64
	messagesProcessed int64
	messagesFailed    int64
	messagesSent      int64
	reconnections     int64
	breakerTrips      int64
	lastMessageAt     time.Time
	connectedAt       time.Time
}

// NewClient creates a stream client. The router receives every decoded frame;
// the caller registers handlers on it before Run.
func NewClient(cfg Config, router *Router, logger *slog.Logger) *Client {
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 5 * time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 5 * time.Minute
	}
	return &Client{
		cfg:     cfg,
		breaker: resilience.New(cfg.Breaker),
		buf:     buffer.New(cfg.BufferSize),
		router:  router,
		logger:  logger.With(slog.String("component", "stream")),
		subs:    make(map[string]Subscription),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Buffer returns the client's message buffer for downstream draining.
func (c *Client) Buffer() *buffer.Buffer { return c.buf }

// Breaker returns the connection supervisor for health reporting.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// Connect establishes the websocket connection, re-issues every previously
// active subscription, and starts the read and ping loops. The attempt is
// gated by the circuit breaker: a rejected attempt returns ErrBreakerOpen
// without touching the network.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("stream: connect: %w", domain.ErrWSDisconnect)
	}
	if !c.breaker.CanAttempt() {
		return fmt.Errorf("stream: connect: %w", domain.ErrBreakerOpen)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		reason := resilience.ReasonError
		if ctx.Err() == context.DeadlineExceeded {
			reason = resilience.ReasonTimeout
		}
		c.breaker.RecordFailure(reason)
		if c.breaker.State() == resilience.StateOpen {
			c.statsMu.Lock()
			c.breakerTrips++
			c.statsMu.Unlock()
			c.logger.Error("circuit breaker opened, connection attempts blocked")
		}
		return fmt.Errorf("stream: connect %s: %w", c.cfg.URL, err)
	}

	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.attempts = 0
	c.running = true

	c.statsMu.Lock()
	c.connected = true
	c.connectedAt = time.Now().UTC()
	c.statsMu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Restore the active subscription set on the fresh connection. A restore
	// failure leaves no half-open state behind: the socket is closed and the
	// client reports disconnected so the next attempt starts clean.
	for _, sub := range c.subs {
		if err := c.sendControlLocked("subscribe", sub); err != nil {
			c.breaker.RecordFailure(resilience.ReasonError)
			_ = conn.Close()
			c.conn = nil
			c.running = false
			c.statsMu.Lock()
			c.connected = false
			c.statsMu.Unlock()
			return fmt.Errorf("stream: restore subscription %s: %w", sub.Key(), err)
		}
	}

	c.breaker.RecordSuccess()
	c.logger.Info("connected", slog.String("url", c.cfg.URL), slog.Int("subscriptions", len(c.subs)))

	c.drainOnce.Do(func() { go c.dispatchLoop() })
	go c.readLoop(conn, gen)
	go c.pingLoop(conn)

	return nil
}

// Subscribe adds a stream subscription. It returns ErrSubscriptionLimit when
// the active set is at capacity and ErrNotConnected before Connect. A
// subscription whose canonical key is already active is a no-op.
func (c *Client) Subscribe(ctx context.Context, sub Subscription) error {
	_ = ctx

	c.mu.Lock()
	defer c.mu.Unlock()

	key := sub.Key()
	if _, ok := c.subs[key]; ok {
		return nil
	}
	if len(c.subs) >= MaxSubscriptions {
		return fmt.Errorf("stream: subscribe %s: %w", key, domain.ErrSubscriptionLimit)
	}
	if c.conn == nil {
		return fmt.Errorf("stream: subscribe %s: %w", key, domain.ErrNotConnected)
	}

	if err := c.sendControlLocked("subscribe", sub); err != nil {
		return fmt.Errorf("stream: subscribe %s: %w", key, err)
	}
	c.subs[key] = sub
	c.logger.Info("subscribed", slog.String("subscription", key))
	return nil
}

// Unsubscribe removes a stream subscription. Unsubscribing a stream that is
// not active is a no-op.
func (c *Client) Unsubscribe(ctx context.Context, sub Subscription) error {
	_ = ctx

	c.mu.Lock()
	defer c.mu.Unlock()

	key := sub.Key()
	if _, ok := c.subs[key]; !ok {
		return nil
	}
	if c.conn == nil {
		return fmt.Errorf("stream: unsubscribe %s: %w", key, domain.ErrNotConnected)
	}

	if err := c.sendControlLocked("unsubscribe", sub); err != nil {
		return fmt.Errorf("stream: unsubscribe %s: %w", key, err)
	}
	delete(c.subs, key)
	c.logger.Info("unsubscribed", slog.String("subscription", key))
	return nil
}

// ActiveSubscriptions returns the number of active subscriptions.
func (c *Client) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Run connects and blocks until the context is cancelled or the client is
// closed, then disconnects.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		if !c.cfg.EnableAutoReconnect {
			return err
		}
		c.logger.Warn("initial connect failed, entering reconnect loop", slog.String("error", err.Error()))
		go c.reconnect()
	}

	select {
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	case <-c.done:
		return nil
	}
}

// Disconnect closes the transport, stops the read loop, and clears the active
// subscription set. It is idempotent: calling it twice leaves the client in
// the same terminal state as calling it once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.running = false
	c.subs = make(map[string]Subscription)
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = c.conn.Close()
		c.conn = nil
	}

	c.statsMu.Lock()
	c.connected = false
	c.statsMu.Unlock()

	c.logger.Info("disconnected")
}

// IsHealthy reports link health: connected, breaker not open, and at least
// one message received within the staleness window.
func (c *Client) IsHealthy() bool {
	c.statsMu.Lock()
	connected := c.connected
	last := c.lastMessageAt
	c.statsMu.Unlock()

	if !connected {
		return false
	}
	if c.breaker.State() == resilience.StateOpen {
		return false
	}
	if !last.IsZero() && time.Since(last) > staleAfter {
		return false
	}
	return true
}

// GetStats returns a throughput and health snapshot.
func (c *Client) GetStats() Stats {
	c.statsMu.Lock()
	s := Stats{
		Connected:         c.connected,
		MessagesReceived:  c.messagesReceived,
		MessagesProcessed: c.messagesProcessed,
		MessagesFailed:    c.messagesFailed,
		MessagesSent:      c.messagesSent,
		Reconnections:     c.reconnections,
		BreakerTrips:      c.breakerTrips,
		LastMessageAt:     c.lastMessageAt,
		ConnectedAt:       c.connectedAt,
	}
	c.statsMu.Unlock()

	c.mu.Lock()
	s.Running = c.running
	s.ActiveSubscriptions = len(c.subs)
	c.mu.Unlock()

	s.Breaker = c.breaker.GetSnapshot()
	s.Buffer = c.buf.GetStats()
	return s
}

// sendControlLocked marshals and writes a subscribe/unsubscribe frame.
// Caller must hold c.mu with c.conn non-nil.
func (c *Client) sendControlLocked(method string, sub Subscription) error {
	frame := controlFrame{Method: method, Subscription: sub.payload()}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal control frame: %w", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.statsMu.Lock()
	c.messagesSent++
	c.statsMu.Unlock()
	return nil
}

// readLoop reads frames from conn until the connection drops or the client
// shuts down. gen guards against a stale loop reconnecting over a newer
// connection.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			c.mu.Lock()
			stale := gen != c.connGen
			c.mu.Unlock()
			if stale {
				return
			}

			c.statsMu.Lock()
			c.connected = false
			c.statsMu.Unlock()
			c.breaker.RecordFailure(resilience.ReasonError)
			c.logger.Warn("connection lost", slog.String("error", err.Error()))

			if c.cfg.EnableAutoReconnect {
				c.reconnect()
			}
			return
		}

		c.handleFrame(raw)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame decodes one raw frame and hands it to the buffer; the dispatch
// loop drains it from there. Malformed payloads are counted and dropped; they
// never stop the loop. A full buffer drops the frame and counts it so slow
// handlers surface as buffer pressure instead of stalling the read loop.
func (c *Client) handleFrame(raw []byte) {
	now := time.Now().UTC()

	c.statsMu.Lock()
	c.messagesReceived++
	c.lastMessageAt = now
	c.statsMu.Unlock()

	channel, payload, err := Decode(raw, now)
	if err != nil {
		c.statsMu.Lock()
		c.messagesFailed++
		c.statsMu.Unlock()
		c.logger.Debug("dropped undecodable frame", slog.String("error", err.Error()))
		return
	}
	if payload == nil {
		return // ack or unmonitored channel
	}

	if !c.buf.Add(buffer.Message{Channel: channel, Payload: payload, ReceivedAt: now}) {
		c.logger.Warn("message buffer full, frame dropped", slog.String("channel", channel))
		return
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop drains the message buffer in batches and routes each message
// to its handlers. It runs for the lifetime of the client so dispatch never
// blocks the network read loop.
func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			batch := c.buf.GetBatch(dispatchBatchSize)
			if len(batch) == 0 {
				break
			}
			for _, msg := range batch {
				ctx, cancel := context.WithTimeout(context.Background(), writeWait)
				c.router.Dispatch(ctx, msg.Channel, msg.Payload)
				cancel()

				c.statsMu.Lock()
				c.messagesProcessed++
				c.statsMu.Unlock()
			}
		}
	}
}

// reconnect re-establishes the connection with capped exponential backoff:
// delay = min(base * 2^(attempt-1), max). It returns when connected or when
// the client shuts down.
func (c *Client) reconnect() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		delay := c.cfg.ReconnectBaseDelay << (attempt - 1)
		if delay > c.cfg.ReconnectMaxDelay || delay <= 0 {
			delay = c.cfg.ReconnectMaxDelay
		}

		c.statsMu.Lock()
		c.reconnections++
		c.statsMu.Unlock()

		c.logger.Info("reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.logger.Info("reconnected")
			return
		}
		c.logger.Warn("reconnect failed", slog.String("error", err.Error()))
	}
}
