package gateway

import (
	"context"
	"log/slog"

	"ohlcsync/internal/pipeline"
	redisstore "ohlcsync/internal/store/redis"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

// Notifier receives the summary of every finished sync run.
type Notifier interface {
	Notify(ctx context.Context, sum pipeline.Summary)
}

// RedisNotifier publishes run messages on the Redis summary channel, so
// every gateway process relays them to its own clients.
type RedisNotifier struct {
	w *redisstore.Writer
}

// NewRedisNotifier creates a RedisNotifier backed by w.
func NewRedisNotifier(w *redisstore.Writer) *RedisNotifier {
	return &RedisNotifier{w: w}
}

// Notify publishes one Redis message per broadcast message. Failures are
// logged; summaries are best effort.
func (n *RedisNotifier) Notify(ctx context.Context, sum pipeline.Summary) {
	msgs, err := Messages(sum)
	if err != nil {
		slog.Error("[gateway] encode run summary", "error", err)
		return
	}
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			continue
		}
		if err := n.w.PublishSummary(ctx, payload); err != nil {
			slog.Warn("[gateway] publish summary failed", "channel", m.Channel, "error", err)
			return
		}
	}
}

// Relay forwards messages from a Redis summary subscription to the hub's
// clients. Blocks until ctx is cancelled or the subscription closes.
func (h *Hub) Relay(ctx context.Context, ps *goredis.PubSub) {
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil || m.Channel == "" {
				slog.Warn("[gateway] dropping malformed summary message", "error", err)
				continue
			}
			h.Broadcast(m.Channel, m.Data)
		}
	}
}
