package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ohlcsync/internal/model"

	"github.com/goccy/go-json"
	goredis "github.com/go-redis/redis/v8"
)

// Reader serves the latest published values back out of Redis.
type Reader struct {
	client *goredis.Client
}

func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// LatestCandle returns the newest published candle, or nil when none is cached.
func (r *Reader) LatestCandle(ctx context.Context, s model.SeriesKey) (*model.Candle, error) {
	data, err := r.client.Get(ctx, latestCandleKey(s)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", latestCandleKey(s), err)
	}
	var c model.Candle
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode cached candle: %w", err)
	}
	return &c, nil
}

// LatestPoints returns the newest published point per parameter set for a
// kind, ordered by params.
func (r *Reader) LatestPoints(ctx context.Context, kind model.IndicatorKind, s model.SeriesKey) ([]model.IndicatorPoint, error) {
	key := latestPointsKey(kind, s)
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", key, err)
	}
	out := make([]model.IndicatorPoint, 0, len(fields))
	for params, raw := range fields {
		var p model.IndicatorPoint
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode cached %s point %q: %w", kind, params, err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Params < out[j].Params })
	return out, nil
}

// SubscribeSummaries subscribes to sync summaries published by any process.
func (r *Reader) SubscribeSummaries(ctx context.Context) *goredis.PubSub {
	return r.client.Subscribe(ctx, SummaryChannel)
}
