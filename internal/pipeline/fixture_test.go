package pipeline

import (
	"context"
	"sync"
	"time"

	"ohlcsync/internal/model"
	"ohlcsync/internal/store/memory"

	"github.com/shopspring/decimal"
)

var (
	btc1h = model.SeriesKey{Symbol: "BTCUSDT", Timeframe: model.TF1h}
	t0    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// fixture builds n hourly candles from a fixed linear congruential sequence.
// Prices move in cents, so every value is an exact two-decimal number.
func fixture(series model.SeriesKey, n int) []model.Candle {
	seed := uint64(20240101)
	next := func() int64 {
		seed = (seed*1103515245 + 12345) % (1 << 31)
		return int64(seed >> 8)
	}
	out := make([]model.Candle, 0, n)
	prev := int64(4200000)
	for i := 0; i < n; i++ {
		o := prev
		c := o + (next()%1001-500)*10
		h := max(o, c) + (next()%400)*5
		l := min(o, c) - (next()%400)*5
		v := 10000 + next()%90000
		out = append(out, model.Candle{
			Symbol: series.Symbol, Timeframe: series.Timeframe,
			OpenTime: series.Timeframe.Add(t0, i),
			Open:     decimal.New(o, -2), High: decimal.New(h, -2),
			Low: decimal.New(l, -2), Close: decimal.New(c, -2),
			Volume: decimal.New(v, -2),
		})
		prev = c
	}
	return out
}

// fakeSource serves stored candles and can fail the first calls.
type fakeSource struct {
	mu      sync.Mutex
	candles map[model.SeriesKey][]model.Candle
	fails   map[model.SeriesKey][]error // consumed one per call
	invalid map[model.SeriesKey]int     // index of a candle the source cannot parse
	calls   map[model.SeriesKey]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		candles: make(map[model.SeriesKey][]model.Candle),
		fails:   make(map[model.SeriesKey][]error),
		invalid: make(map[model.SeriesKey]int),
		calls:   make(map[model.SeriesKey]int),
	}
}

func (f *fakeSource) set(series model.SeriesKey, candles []model.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles[series] = candles
}

func (f *fakeSource) failWith(series model.SeriesKey, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[series] = append(f.fails[series], errs...)
}

// invalidAt makes the candle at index i of every response unparsable.
func (f *fakeSource) invalidAt(series model.SeriesKey, i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid[series] = i
}

func (f *fakeSource) callCount(series model.SeriesKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[series]
}

func (f *fakeSource) FetchCandles(ctx context.Context, series model.SeriesKey, start, end time.Time) ([]model.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[series]++
	if errs := f.fails[series]; len(errs) > 0 {
		f.fails[series] = errs[1:]
		return nil, errs[0]
	}
	var out []model.Candle
	for _, c := range f.candles[series] {
		if !c.OpenTime.Before(start) && c.OpenTime.Before(end) {
			out = append(out, c)
		}
	}
	if i, ok := f.invalid[series]; ok && i < len(out) {
		return out[:i], &model.CandleError{Index: i, OpenTime: out[i].OpenTime, Reason: "non-finite low"}
	}
	return out, nil
}

// stallingStore never answers range reads until the caller gives up.
type stallingStore struct {
	*memory.Store
}

func (s stallingStore) ReadRange(ctx context.Context, _ model.SeriesKey, _, _ time.Time) ([]model.Candle, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
