// Package ws streams live security events to connected operator dashboards.
// The hub fans each published event out to every client whose severity floor
// it clears; slow clients have frames dropped rather than stalling the hub.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement happens in the CORS middleware.
		return true
	},
}

// client represents a single WebSocket connection.
type client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	mu          sync.RWMutex
	minSeverity domain.Severity
}

// controlMsg is the JSON message a client sends to adjust its event filter.
type controlMsg struct {
	Action      string `json:"action"`       // "set_filter"
	MinSeverity string `json:"min_severity"` // e.g. "high"
}

// Hub manages connected WebSocket clients and broadcasts security events to
// all of them, filtered by each client's severity floor.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan domain.SecurityEvent
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// Config captures runtime metadata included in the snapshot sent to clients
// on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// NewHub creates a WebSocket hub. Publish feeds it events; Run drives it.
func NewHub(logger *slog.Logger, cfg Config) *Hub {
	mode := cfg.Mode
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan domain.SecurityEvent, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With(slog.String("component", "ws_hub")),
		mode:       mode,
		startedAt:  startedAt,
	}
}

// Publish queues an event for broadcast. It never blocks: when the hub is
// saturated the event is dropped, since live streaming is best-effort and the
// event store remains the durable record.
func (h *Hub) Publish(event domain.SecurityEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("ws: broadcast queue full, dropping event",
			slog.String("event_id", event.EventID),
		)
	}
}

// Run starts the hub's main event loop. It should be called in a goroutine.
// The loop exits when the provided context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case event := <-h.broadcast:
			data, err := json.Marshal(map[string]any{
				"type":    "security_event",
				"payload": event,
			})
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(event.Severity) {
					continue
				}
				select {
				case c.send <- data:
				default:
					// Client's send buffer is full; drop the frame.
					h.logger.Warn("ws: dropping event for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. An optional ?severity= query parameter sets the
// initial filter; the default forwards everything.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		minSeverity: domain.SeverityInfo,
	}
	if sev := parseSeverity(r.URL.Query().Get("severity")); sev != "" {
		c.minSeverity = sev
	}

	h.register <- c
	c.sendWelcome()

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func parseSeverity(s string) domain.Severity {
	switch sev := domain.Severity(s); sev {
	case domain.SeverityInfo, domain.SeverityLow, domain.SeverityMedium,
		domain.SeverityHigh, domain.SeverityCritical:
		return sev
	}
	return ""
}

// wants reports whether the client's filter admits the given severity.
func (c *client) wants(sev domain.Severity) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sev.AtLeast(c.minSeverity)
}

// readPump reads messages from the WebSocket connection, handling filter
// adjustments (JSON text frames) from the client.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var ctl controlMsg
		if jsonErr := json.Unmarshal(message, &ctl); jsonErr == nil && ctl.Action == "set_filter" {
			if sev := parseSeverity(ctl.MinSeverity); sev != "" {
				c.mu.Lock()
				c.minSeverity = sev
				c.mu.Unlock()
			}
		}
	}
}

// sendWelcome pushes a small JSON envelope so clients can immediately mark
// the connection as healthy even when no events are flowing yet.
func (c *client) sendWelcome() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	msg, err := json.Marshal(map[string]any{
		"type": "monitor_status",
		"payload": map[string]any{
			"mode":           c.hub.mode,
			"connected":      true,
			"uptime_seconds": uptime,
			"min_severity":   string(c.minSeverity),
		},
	})
	if err != nil {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// writePump pumps messages from the hub to the WebSocket connection and sends
// periodic ping frames for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
