// internal/ws/hub.go
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"commitboard/internal/model"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth. A client
	// that falls this far behind is disconnected rather than allowed to
	// stall publishes for everyone else.
	sendBufSize = 16

	// connectSnapshotTimeout bounds the on-demand compute for a client that
	// connects before anything has been published.
	connectSnapshotTimeout = 5 * time.Second
)

// EventName is the envelope event tag clients switch on.
const EventName = "leaderboard:update"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; origin policy belongs to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients on every publish.
type Message struct {
	Event string                 `json:"event"`
	Data  *model.RankingSnapshot `json:"data"`
}

// SnapshotFunc supplies a fresh snapshot for clients that connect before the
// first publish.
type SnapshotFunc func(ctx context.Context) (*model.RankingSnapshot, error)

// Hub manages WebSocket observer connections. The ingestion pipeline hands it
// a snapshot after every processed event; the hub fans it out to all
// connected clients and retains it so late joiners get current data
// immediately on connect. The hub holds no commit data of its own.
type Hub struct {
	snapshotFn SnapshotFunc
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	last    *model.RankingSnapshot
}

// client represents one connected WebSocket client.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Hub. snapshotFn may be nil, in which case clients connecting
// before the first publish receive nothing until one happens.
func New(snapshotFn SnapshotFunc, logger *slog.Logger) *Hub {
	return &Hub{
		snapshotFn: snapshotFn,
		logger:     logger,
		clients:    make(map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Publish fans snap out to every connected client, best effort: a slow or
// disconnected client is dropped, never waited on. The snapshot is retained
// for replay-on-connect.
func (h *Hub) Publish(snap *model.RankingSnapshot) {
	data, err := json.Marshal(Message{Event: EventName, Data: snap})
	if err != nil {
		h.logger.Error("Failed to encode snapshot for broadcast", "error", err)
		return
	}

	h.mu.Lock()
	h.last = snap
	h.mu.Unlock()

	// Sends happen under the read lock and channel closes under the write
	// lock, so a send can never race a close.
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client's outgoing buffer is full, disconnect it.
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.unregister(c)
	}
}

// Snapshot returns the most recently published snapshot, or nil if nothing
// has been published yet.
func (h *Hub) Snapshot() *model.RankingSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
// The current snapshot is sent immediately on connect, as a synthetic first
// publish, so a late observer never starts from an empty board. Blocks until
// the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	h.register(c)
	defer h.unregister(c)

	if data, err := h.connectMessage(r.Context()); err != nil {
		h.logger.Warn("No snapshot available for connecting client", "error", err)
	} else if data != nil {
		h.trySend(c, data)
	}

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// --- internal ---------------------------------------------------------------

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// trySend queues data for c without blocking. Membership is re-checked under
// the read lock so the send cannot race an unregister's channel close.
func (h *Hub) trySend(c *client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// connectMessage builds the first message for a new client: the last
// published snapshot if there is one, otherwise a fresh compute. Returns
// (nil, nil) when there is nothing to send; the client then just waits for
// the next publish.
func (h *Hub) connectMessage(ctx context.Context) ([]byte, error) {
	h.mu.RLock()
	snap := h.last
	h.mu.RUnlock()

	if snap == nil && h.snapshotFn != nil {
		ctx, cancel := context.WithTimeout(ctx, connectSnapshotTimeout)
		defer cancel()
		fresh, err := h.snapshotFn(ctx)
		if err != nil {
			return nil, err
		}
		snap = fresh
	}
	if snap == nil {
		return nil, nil
	}
	return json.Marshal(Message{Event: EventName, Data: snap})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
