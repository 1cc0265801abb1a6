package gateway

import (
	"strconv"
	"time"
)

// Broadcast wraps data in an envelope and queues it for every client
// subscribed to channel. Slow clients drop messages instead of blocking.
func (h *Hub) Broadcast(channel string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	buf := envelope(channel, data, h.now().UTC(), h.seq)
	h.replay.Push(h.seq, channel, buf)

	for c := range h.clients {
		if !c.matches(channel) {
			continue
		}
		select {
		case c.send <- buf:
		default:
		}
	}
}

// envelope builds {"channel":...,"data":...,"ts":...,"seq":N} without a
// marshal round trip; data must already be JSON.
func envelope(channel string, data []byte, now time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+96)
	buf = append(buf, `{"channel":`...)
	buf = strconv.AppendQuote(buf, channel)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}
