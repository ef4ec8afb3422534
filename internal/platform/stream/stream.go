// Package stream pushes committed events to websocket subscribers. It is
// a projection over the event log, never a source of truth: a dropped
// connection loses nothing that get_latest cannot recover.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/eventlog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBuffer     = 64
	maxLatestBatch = 100
)

type inboundMessage struct {
	Type           string   `json:"type"`
	EventTypes     []string `json:"event_types,omitempty"`
	SequenceNumber int64    `json:"sequence_number,omitempty"`
}

// client's send channel is never closed: readPump may still be enqueuing
// replies when the hub drops the client, so shutdown is signalled through
// done instead.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	filters map[eventlog.Type]bool
}

// wants reports whether the client's subscription covers an event type.
// No subscribe message means everything.
func (c *client) wants(t eventlog.Type) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filters) == 0 {
		return true
	}
	return c.filters[t]
}

func (c *client) setFilters(types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = make(map[eventlog.Type]bool, len(types))
	for _, t := range types {
		c.filters[eventlog.Type(t)] = true
	}
}

// Hub fans committed events out to connected clients. Wire it with
// Log.SetNotify(hub.Broadcast).
type Hub struct {
	logger   *zap.Logger
	log      *eventlog.Log
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(logger *zap.Logger, log *eventlog.Log) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Broadcast pushes one committed event to every subscribed client. A
// client whose send buffer is full is dropped rather than allowed to
// stall the committing goroutine.
func (h *Hub) Broadcast(e eventlog.Event) {
	payload, err := json.Marshal(map[string]any{"type": "event", "event": e})
	if err != nil {
		h.logger.Error("event marshal failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(e.Type) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("dropping slow websocket client")
			delete(h.clients, c)
			close(c.done)
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	c.enqueueJSON(map[string]string{"type": "connection_established"})
	go c.writePump()
	go c.readPump()
}

// remove drops a client from the hub. done closes exactly once because
// both this and the Broadcast drop path only close it while deleting the
// client from the map under h.mu.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.done)
	}
}

// ClientCount is read by the metrics scrape and tests.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (c *client) enqueueJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("websocket marshal failed", zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
	}
}

// readPump's context outlives the upgrade request: net/http cancels the
// request context the moment ServeHTTP returns, which is before the first
// inbound message arrives.
func (c *client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			c.setFilters(msg.EventTypes)
			c.enqueueJSON(map[string]any{"type": "subscribed", "event_types": msg.EventTypes})
		case "get_latest":
			events, err := c.hub.log.ReadAfter(ctx, msg.SequenceNumber, maxLatestBatch)
			if err != nil {
				c.hub.logger.Error("event replay read failed", zap.Error(err))
				c.enqueueJSON(map[string]string{"type": "error", "message": "replay unavailable"})
				continue
			}
			c.enqueueJSON(map[string]any{"type": "events", "events": events})
		default:
			c.enqueueJSON(map[string]string{"type": "error", "message": "unknown message type"})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
