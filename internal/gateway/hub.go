package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"ohlcsync/internal/pipeline"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Hub fans sync results out to WebSocket clients.
// Every envelope gets a global seq; the last ones are kept in a replay
// buffer so a client reconnecting with ?since=<seq> misses nothing.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64
	replay  *ReplayBuffer

	onCount func(int)
	now     func() time.Time
}

// NewHub creates a Hub keeping replaySize envelopes for reconnects.
func NewHub(replaySize int) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(replaySize),
		now:     time.Now,
	}
}

// OnClientCount registers a callback invoked with the client count after
// every connect and disconnect.
func (h *Hub) OnClientCount(fn func(int)) {
	h.mu.Lock()
	h.onCount = fn
	h.mu.Unlock()
}

// Notify broadcasts the per-pair results and totals of a finished run.
func (h *Hub) Notify(_ context.Context, sum pipeline.Summary) {
	msgs, err := Messages(sum)
	if err != nil {
		slog.Error("[gateway] encode run summary", "error", err)
		return
	}
	for _, m := range msgs {
		h.Broadcast(m.Channel, m.Data)
	}
}

// ServeWS upgrades the request and registers the client. An optional
// since query parameter replays buffered envelopes newer than that seq.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "since must be a non-negative seq", http.StatusBadRequest)
			return
		}
		since = n
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[gateway] ws upgrade failed", "error", err)
		return
	}
	h.register(conn, since)
}

func (h *Hub) register(conn *websocket.Conn, since int64) {
	c := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		subs: make(map[string]bool),
	}
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	// replay under the lock so nothing broadcast meanwhile is skipped
	if since > 0 {
		for _, e := range h.replay.Since(since) {
			select {
			case c.send <- e.Data:
			default:
			}
		}
	}
	onCount := h.onCount
	h.mu.Unlock()

	if onCount != nil {
		onCount(count)
	}
	slog.Info("[gateway] ws client connected", "clients", count, "since", since)

	go c.writePump()
	go c.readPump()
}

// RemoveClient unregisters c and closes its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	onCount := h.onCount
	h.mu.Unlock()

	if onCount != nil {
		onCount(count)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Seq returns the seq of the last broadcast envelope.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.RemoveClient(c)
	}
}
