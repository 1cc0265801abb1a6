package gateway

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// subscribed series, "BTCUSDT:1h"; empty means everything
	subMu sync.RWMutex
	subs  map[string]bool
}

// matches reports whether the client wants messages on channel.
// Run totals always go out.
func (c *Client) matches(channel string) bool {
	if channel == ChannelSummary {
		return true
	}
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[strings.TrimPrefix(channel, "sync:")]
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// coalesce queued envelopes into one frame, newline separated
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
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

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		slog.Info("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(raw, &base) != nil {
			continue
		}

		switch strings.ToUpper(base.Type) {
		case "SUBSCRIBE", "UNSUBSCRIBE":
			var msg SubscribeMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				c.reply(map[string]any{"type": "error", "error": "invalid " + base.Type + ": " + err.Error()})
				continue
			}
			c.subscribe(strings.ToUpper(base.Type) == "SUBSCRIBE", msg.Series)
			c.reply(map[string]any{"type": "subscribed", "req_id": msg.ReqID, "series": c.series()})
		default:
			if base.Ping > 0 {
				c.reply(map[string]any{"type": "pong", "ping": base.Ping, "server_ts": time.Now().UnixMilli()})
			}
		}
	}
}

func (c *Client) subscribe(add bool, series []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range series {
		if add {
			c.subs[s] = true
		} else {
			delete(c.subs, s)
		}
	}
}

func (c *Client) series() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

// reply queues a direct message to this client. It holds the hub lock so
// the send queue cannot be closed underneath it.
func (c *Client) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
