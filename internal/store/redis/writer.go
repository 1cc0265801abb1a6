package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ohlcsync/internal/model"

	"github.com/goccy/go-json"
	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL    = 24 * time.Hour
	defaultStreamMaxLen = 5000

	// SummaryChannel carries the broadcast messages of finished sync runs.
	SummaryChannel = "pub:sync:summary"
)

// Config configures the Redis connection and key retention.
type Config struct {
	Addr         string // e.g. "localhost:6379"
	Password     string
	DB           int
	LatestTTL    time.Duration
	StreamMaxLen int64
}

// Connect creates a client and pings the server.
func Connect(cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis connected", "addr", cfg.Addr)
	return client, nil
}

// Key layout, per series:
//
//	candle:latest:{SYM}:{tf}        newest candle JSON (SET, TTL)
//	candle:{SYM}:{tf}               candle stream (XADD, capped)
//	ind:latest:{kind}:{SYM}:{tf}    hash params -> newest point JSON (TTL)
//	ind:{kind}:{SYM}:{tf}           point stream (XADD, capped)
//	pub:candle:{SYM}:{tf}           pubsub notification
func latestCandleKey(s model.SeriesKey) string { return "candle:latest:" + s.String() }
func candleStreamKey(s model.SeriesKey) string { return "candle:" + s.String() }
func candleChannel(s model.SeriesKey) string   { return "pub:candle:" + s.String() }
func latestPointsKey(k model.IndicatorKind, s model.SeriesKey) string {
	return "ind:latest:" + string(k) + ":" + s.String()
}
func pointStreamKey(k model.IndicatorKind, s model.SeriesKey) string {
	return "ind:" + string(k) + ":" + s.String()
}

// Writer writes cycle results to Redis in pipelines.
type Writer struct {
	client    *goredis.Client
	latestTTL time.Duration
	maxLen    int64
}

// NewWriter wraps an existing client.
func NewWriter(client *goredis.Client, cfg Config) *Writer {
	w := &Writer{client: client, latestTTL: cfg.LatestTTL, maxLen: cfg.StreamMaxLen}
	if w.latestTTL <= 0 {
		w.latestTTL = defaultLatestTTL
	}
	if w.maxLen <= 0 {
		w.maxLen = defaultStreamMaxLen
	}
	return w
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// WriteCandle stores c as the series' latest candle, appends it to the
// series stream and notifies subscribers.
func (w *Writer) WriteCandle(ctx context.Context, c model.Candle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal candle: %w", err)
	}
	s := c.Series()
	jsonData := string(data)

	pipe := w.client.Pipeline()
	pipe.Set(ctx, latestCandleKey(s), jsonData, w.latestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: candleStreamKey(s),
		MaxLen: w.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Publish(ctx, candleChannel(s), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis candle pipeline %s: %w", s, err)
	}
	return nil
}

// WritePoints stores each point as the latest for its (kind, params) and
// appends it to the kind's stream, all in one pipeline.
func (w *Writer) WritePoints(ctx context.Context, points []model.IndicatorPoint) error {
	if len(points) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	touched := make(map[string]struct{})
	for _, p := range points {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal point: %w", err)
		}
		jsonData := string(data)
		key := latestPointsKey(p.Kind, p.Series)
		pipe.HSet(ctx, key, p.Params, jsonData)
		touched[key] = struct{}{}
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: pointStreamKey(p.Kind, p.Series),
			MaxLen: w.maxLen,
			Approx: true,
			Values: map[string]interface{}{"params": p.Params, "data": jsonData},
		})
	}
	for key := range touched {
		pipe.Expire(ctx, key, w.latestTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis indicator pipeline (%d points): %w", len(points), err)
	}
	return nil
}

// PublishSummary broadcasts an encoded sync summary on SummaryChannel.
func (w *Writer) PublishSummary(ctx context.Context, payload []byte) error {
	return w.client.Publish(ctx, SummaryChannel, string(payload)).Err()
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
