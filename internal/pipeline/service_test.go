package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ohlcsync/internal/indicator"
	"ohlcsync/internal/model"
	"ohlcsync/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	emaParams = "period=9"
	rsiParams = "period=14"
	obvParams = "base=0,ma=ema,len=20"
	ceParams  = "period=22,mult=3,close=false"
)

type harness struct {
	store  *memory.Store
	source *fakeSource
	svc    *Service
	now    time.Time
}

func newHarness(t *testing.T, now time.Time, cfg Config) *harness {
	t.Helper()
	h := &harness{store: memory.New(), source: newFakeSource(), now: now}
	if cfg.Symbols == nil {
		cfg.Symbols = []string{btc1h.Symbol}
	}
	if cfg.Timeframes == nil {
		cfg.Timeframes = []model.Timeframe{model.TF1h}
	}
	if cfg.DefaultStart.IsZero() {
		cfg.DefaultStart = t0
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	clock := func() time.Time { return h.now }
	h.svc = New(cfg, Deps{
		Store:  h.store,
		Source: h.source,
		Engine: indicator.NewEngine(h.store, indicator.DefaultConfig(), indicator.WithClock(clock)),
		Now:    clock,
	})
	return h
}

func (h *harness) value(t *testing.T, kind model.IndicatorKind, params string, i int, key string) (float64, bool) {
	t.Helper()
	ts := t0.Add(time.Duration(i) * time.Hour)
	pts, err := h.store.ReadIndicatorPoints(context.Background(), kind, btc1h, params, ts, ts.Add(time.Hour))
	require.NoError(t, err)
	if len(pts) == 0 {
		return 0, false
	}
	v, ok := pts[0].Values[key]
	return v.InexactFloat64(), ok
}

func (h *harness) requireValue(t *testing.T, kind model.IndicatorKind, params string, i int, key string, want float64) {
	t.Helper()
	got, ok := h.value(t, kind, params, i, key)
	require.True(t, ok, "%s %s[%s] missing at candle %d", kind, params, key, i)
	assert.InDelta(t, want, got, 1e-6, "%s %s[%s] at candle %d", kind, params, key, i)
}

// TestRunSync_EndToEndFixture ingests 100 hourly BTCUSDT candles and checks
// indicator values and pattern labels against hand-verified references.
func TestRunSync_EndToEndFixture(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, t0.Add(100*time.Hour+30*time.Minute), Config{})
	h.source.set(btc1h, fixture(btc1h, 100))

	sum := h.svc.RunSync(ctx, Request{})
	require.NoError(t, sum.Err())
	require.Len(t, sum.Pairs, 1)
	ps := sum.Pairs[0]
	assert.Equal(t, 100, ps.Inserted)
	assert.Equal(t, 100, sum.CandlesWritten)
	assert.Zero(t, ps.Gaps)

	// warm-up boundaries
	_, ok := h.value(t, model.KindEMA, emaParams, 7, "value")
	assert.False(t, ok)
	h.requireValue(t, model.KindEMA, emaParams, 8, "value", 42016.0)
	_, ok = h.value(t, model.KindRSI, rsiParams, 13, "value")
	assert.False(t, ok)
	h.requireValue(t, model.KindRSI, rsiParams, 14, "value", 39.04494382)
	_, ok = h.value(t, model.KindCE, ceParams, 21, "atr")
	assert.False(t, ok)
	_, ok = h.value(t, model.KindOBV, obvParams, 18, "ma")
	assert.False(t, ok, "OBV moving average still warming up")
	_, ok = h.value(t, model.KindOBV, obvParams, 18, "obv")
	assert.True(t, ok, "OBV itself has no warm-up")
	// 20th OBV value seeds the average.
	h.requireValue(t, model.KindOBV, obvParams, 19, "ma", 92.9145)
	h.requireValue(t, model.KindOBV, obvParams, 20, "ma", 114.89692857)
	h.requireValue(t, model.KindOBV, obvParams, 21, "ma", 54.45722109)

	// checkpoint mid-series
	h.requireValue(t, model.KindEMA, emaParams, 60, "value", 41771.26142428)
	h.requireValue(t, model.KindRSI, rsiParams, 60, "value", 25.21764935)
	h.requireValue(t, model.KindOBV, obvParams, 60, "obv", -1539.7)
	h.requireValue(t, model.KindOBV, obvParams, 60, "ma", -612.20034520)
	h.requireValue(t, model.KindCE, ceParams, 60, "atr", 44.85345630)
	h.requireValue(t, model.KindCE, ceParams, 60, "long_stop", 41888.78963110)
	h.requireValue(t, model.KindCE, ceParams, 60, "short_stop", 41824.51036890)
	h.requireValue(t, model.KindCE, ceParams, 60, "direction", -1)

	// checkpoint at the last candle
	h.requireValue(t, model.KindEMA, emaParams, 99, "value", 41578.01726527)
	h.requireValue(t, model.KindRSI, rsiParams, 99, "value", 48.75359165)
	h.requireValue(t, model.KindOBV, obvParams, 99, "obv", -3556.92)
	h.requireValue(t, model.KindOBV, obvParams, 99, "ma", -3164.25928100)
	h.requireValue(t, model.KindCE, ceParams, 99, "atr", 47.73256448)
	h.requireValue(t, model.KindCE, ceParams, 99, "long_stop", 41531.56942683)
	h.requireValue(t, model.KindCE, ceParams, 99, "short_stop", 41610.53057317)
	h.requireValue(t, model.KindCE, ceParams, 99, "direction", -1)

	// first emission and the single flip in the fixture
	h.requireValue(t, model.KindCE, ceParams, 22, "atr", 41.18946281)
	h.requireValue(t, model.KindCE, ceParams, 22, "long_stop", 41944.93161157)
	h.requireValue(t, model.KindCE, ceParams, 22, "short_stop", 42064.56838843)
	h.requireValue(t, model.KindCE, ceParams, 22, "direction", 1)
	h.requireValue(t, model.KindCE, ceParams, 35, "sell_signal", 1)
	h.requireValue(t, model.KindCE, ceParams, 35, "direction", -1)

	wantLabels := map[int]string{
		1: "bearish-harami", 8: "inverted-hammer", 10: "evening-star", 12: "bullish-marubozu",
		13: "hanging-man", 15: "inverted-hammer", 17: "tweezer-top", 19: "tweezer-top",
		22: "tweezer-bottom", 23: "hanging-man", 27: "bearish-harami", 29: "tweezer-top",
		31: "tweezer-top", 38: "tweezer-top", 39: "tweezer-bottom", 43: "bullish-harami",
		48: "bullish-harami", 50: "doji", 51: "evening-star", 53: "hanging-man",
		56: "bullish-harami", 57: "tweezer-top", 58: "bullish-harami", 63: "tweezer-top",
		64: "bullish-harami", 65: "tweezer-top", 66: "tweezer-bottom", 67: "tweezer-top",
		68: "doji", 69: "morning-star", 70: "hanging-man", 72: "tweezer-bottom",
		74: "hanging-man", 75: "tweezer-bottom", 76: "bearish-harami", 78: "bearish-harami",
		82: "hanging-man", 84: "tweezer-bottom", 89: "tweezer-bottom", 92: "hanging-man",
		96: "tweezer-bottom",
	}
	rows, err := h.store.ReadRange(ctx, btc1h, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 100)
	for i, c := range rows {
		assert.Equal(t, wantLabels[i], c.Pattern, "pattern at candle %d", i)
	}
	assert.Equal(t, len(wantLabels), ps.Patterns)

	// a rerun over the same data changes nothing
	again := h.svc.RunSync(ctx, Request{})
	require.NoError(t, again.Err())
	assert.Equal(t, 0, again.CandlesWritten)
	assert.Equal(t, 0, again.Pairs[0].Patterns)
	h.requireValue(t, model.KindEMA, emaParams, 99, "value", 41578.01726527)
}

func TestRunSync_IncrementalEqualsFromScratch(t *testing.T) {
	ctx := context.Background()
	all := fixture(btc1h, 130)

	inc := newHarness(t, t0.Add(80*time.Hour+10*time.Minute), Config{})
	// the tail at 80h is still forming: publish a partial version first
	partial := append([]model.Candle(nil), all[:81]...)
	tail := &partial[80]
	tail.Close, tail.High, tail.Low = tail.Open, tail.Open, tail.Open
	tail.Volume = tail.Volume.Div(decimal.NewFromInt(4))
	inc.source.set(btc1h, partial)
	require.NoError(t, inc.svc.RunSync(ctx, Request{}).Err())

	inc.now = t0.Add(130*time.Hour + 5*time.Minute)
	inc.source.set(btc1h, all)
	sum := inc.svc.RunSync(ctx, Request{})
	require.NoError(t, sum.Err())
	assert.Equal(t, 1, sum.Pairs[0].Updated, "the open tail is corrected in place")
	assert.Equal(t, 49, sum.Pairs[0].Inserted)

	scratch := newHarness(t, inc.now, Config{})
	scratch.source.set(btc1h, all)
	require.NoError(t, scratch.svc.RunSync(ctx, Request{}).Err())

	for _, kind := range []model.IndicatorKind{model.KindEMA, model.KindRSI, model.KindOBV, model.KindCE} {
		for _, calc := range scratch.svc.engine.Calculators(btc1h.Timeframe, []model.IndicatorKind{kind}) {
			want, err := scratch.store.ReadIndicatorPoints(ctx, kind, btc1h, calc.Params(), time.Time{}, time.Time{})
			require.NoError(t, err)
			got, err := inc.store.ReadIndicatorPoints(ctx, kind, btc1h, calc.Params(), time.Time{}, time.Time{})
			require.NoError(t, err)
			require.Equal(t, len(want), len(got), "%s %s", kind, calc.Params())
			for i := range want {
				require.True(t, want[i].TS.Equal(got[i].TS))
				require.Len(t, got[i].Values, len(want[i].Values))
				for k, v := range want[i].Values {
					assert.InDelta(t, v.InexactFloat64(), got[i].Values[k].InexactFloat64(), 1e-8,
						"%s %s %s at %s", kind, calc.Params(), k, want[i].TS)
				}
			}
		}
	}

	wantRows, _ := scratch.store.ReadRange(ctx, btc1h, time.Time{}, time.Time{})
	gotRows, _ := inc.store.ReadRange(ctx, btc1h, time.Time{}, time.Time{})
	require.Equal(t, len(wantRows), len(gotRows))
	for i := range wantRows {
		assert.Equal(t, wantRows[i].Pattern, gotRows[i].Pattern, "pattern at %s", wantRows[i].OpenTime)
	}
}

func TestRunSync_RetriesUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, t0.Add(30*time.Hour), Config{MaxRetries: 3})
	h.source.set(btc1h, fixture(btc1h, 30))
	h.source.failWith(btc1h,
		fmt.Errorf("%w: 502", model.ErrSourceUnavailable),
		fmt.Errorf("%w: 429", model.ErrSourceUnavailable))

	sum := h.svc.RunSync(ctx, Request{})
	require.NoError(t, sum.Err())
	assert.Equal(t, 2, sum.Pairs[0].Retries)
	assert.Equal(t, 3, h.source.callCount(btc1h))
	assert.Equal(t, 30, sum.Pairs[0].Inserted)
}

func TestRunSync_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, t0.Add(30*time.Hour), Config{MaxRetries: 2})
	down := fmt.Errorf("%w: connection refused", model.ErrSourceUnavailable)
	h.source.failWith(btc1h, down, down, down, down)

	sum := h.svc.RunSync(ctx, Request{})
	require.Equal(t, 1, sum.Errors)
	assert.True(t, errors.Is(sum.Pairs[0].Err, model.ErrSourceUnavailable))
	assert.Equal(t, 3, h.source.callCount(btc1h))
}

func TestRunSync_RejectedIsFatalForPairOnly(t *testing.T) {
	ctx := context.Background()
	eth := model.SeriesKey{Symbol: "ETHUSDT", Timeframe: model.TF1h}
	h := newHarness(t, t0.Add(30*time.Hour), Config{
		Symbols: []string{"BTCUSDT", "ETHUSDT"}, MaxRetries: 5,
	})
	h.source.set(eth, fixture(eth, 30))
	h.source.failWith(btc1h, fmt.Errorf("%w: invalid symbol", model.ErrSourceRejected))

	sum := h.svc.RunSync(ctx, Request{})
	require.Len(t, sum.Pairs, 2)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 1, h.source.callCount(btc1h), "rejections are not retried")

	for _, p := range sum.Pairs {
		switch p.Series {
		case btc1h:
			assert.True(t, errors.Is(p.Err, model.ErrSourceRejected))
			assert.NotEmpty(t, p.Error)
		case eth:
			assert.NoError(t, p.Err)
			assert.Equal(t, 30, p.Inserted)
			assert.Positive(t, p.Points)
		}
	}
}

func TestRunSync_InvalidCandleKeepsPrefixAndDerivesIt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, t0.Add(40*time.Hour), Config{})
	candles := fixture(btc1h, 40)
	candles[30].Low = candles[30].High.Add(candles[30].High) // low above high
	h.source.set(btc1h, candles)

	sum := h.svc.RunSync(ctx, Request{})
	require.Equal(t, 1, sum.Errors)
	ps := sum.Pairs[0]
	assert.True(t, errors.Is(ps.Err, model.ErrInvalidCandle))
	assert.Equal(t, 30, ps.Inserted)

	rows, err := h.store.ReadRange(ctx, btc1h, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 30)
	_, ok := h.value(t, model.KindEMA, emaParams, 29, "value")
	assert.True(t, ok, "indicators cover the committed prefix")
	_, ok = h.value(t, model.KindEMA, emaParams, 30, "value")
	assert.False(t, ok)
}

func TestRunSync_InvalidSourceRowKeepsPrefix(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, t0.Add(40*time.Hour), Config{MaxRetries: 3})
	h.source.set(btc1h, fixture(btc1h, 40))
	h.source.invalidAt(btc1h, 25)

	sum := h.svc.RunSync(ctx, Request{})
	require.Equal(t, 1, sum.Errors)
	ps := sum.Pairs[0]
	assert.True(t, errors.Is(ps.Err, model.ErrInvalidCandle), "got %v", ps.Err)
	assert.False(t, errors.Is(ps.Err, model.ErrSourceRejected))
	assert.Equal(t, 1, h.source.callCount(btc1h), "invalid rows are not retried")
	assert.Equal(t, 25, ps.Fetched)
	assert.Equal(t, 25, ps.Inserted)

	rows, err := h.store.ReadRange(ctx, btc1h, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 25)
	assert.Equal(t, t0.Add(24*time.Hour), rows[24].OpenTime)
	_, ok := h.value(t, model.KindEMA, emaParams, 24, "value")
	assert.True(t, ok, "indicators cover the committed prefix")
}

func TestRunSync_InvalidFirstSourceRowCommitsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, t0.Add(10*time.Hour), Config{})
	h.source.set(btc1h, fixture(btc1h, 10))
	h.source.invalidAt(btc1h, 0)

	sum := h.svc.RunSync(ctx, Request{})
	ps := sum.Pairs[0]
	assert.True(t, errors.Is(ps.Err, model.ErrInvalidCandle), "got %v", ps.Err)
	assert.Zero(t, ps.Inserted)
	assert.Zero(t, ps.Points)
}

func TestRunSync_StorageCallsAreBounded(t *testing.T) {
	ema, err := ParseSelection("ema")
	require.NoError(t, err)

	for name, req := range map[string]Request{
		"patterns":   {},
		"indicators": {Indicators: ema},
	} {
		t.Run(name, func(t *testing.T) {
			src := newFakeSource()
			src.set(btc1h, fixture(btc1h, 30))
			now := func() time.Time { return t0.Add(30 * time.Hour) }
			svc := New(Config{
				Symbols: []string{btc1h.Symbol}, Timeframes: []model.Timeframe{model.TF1h},
				DefaultStart: t0, StoreTimeout: 50 * time.Millisecond,
			}, Deps{Store: stallingStore{memory.New()}, Source: src, Now: now})

			done := make(chan Summary, 1)
			go func() { done <- svc.RunSync(context.Background(), req) }()
			select {
			case sum := <-done:
				require.Len(t, sum.Pairs, 1)
				ps := sum.Pairs[0]
				assert.True(t, errors.Is(ps.Err, context.DeadlineExceeded), "got %v", ps.Err)
				assert.Equal(t, 30, ps.Inserted)
			case <-time.After(2 * time.Second):
				t.Fatal("sync still blocked on a stalled store")
			}
		})
	}
}

func TestRunSync_LockWaitIsBounded(t *testing.T) {
	locker := NewMutexLocker()
	unlock, err := locker.Lock(context.Background(), btc1h.String())
	require.NoError(t, err)
	defer unlock()

	src := newFakeSource()
	src.set(btc1h, fixture(btc1h, 5))
	svc := New(Config{
		Symbols: []string{btc1h.Symbol}, Timeframes: []model.Timeframe{model.TF1h},
		DefaultStart: t0, LockTimeout: 50 * time.Millisecond,
	}, Deps{Store: memory.New(), Source: src, Locker: locker})

	started := time.Now()
	sum := svc.RunSync(context.Background(), Request{})
	assert.Less(t, time.Since(started), 2*time.Second)
	require.Len(t, sum.Pairs, 1)
	assert.True(t, errors.Is(sum.Pairs[0].Err, context.DeadlineExceeded), "got %v", sum.Pairs[0].Err)
	assert.Zero(t, src.callCount(btc1h))
}

func TestRunSync_SelectionAndSkips(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, t0.Add(40*time.Hour), Config{})
	h.source.set(btc1h, fixture(btc1h, 40))

	sel, err := ParseSelection("rsi")
	require.NoError(t, err)
	sum := h.svc.RunSync(ctx, Request{Indicators: sel})
	require.NoError(t, sum.Err())
	assert.Equal(t, map[model.IndicatorKind]int{model.KindRSI: 26}, sum.Pairs[0].ByKind)
	assert.Zero(t, sum.Pairs[0].Patterns)

	// indicators only, from stored candles
	sel, _ = ParseSelection("ema,patterns")
	sum = h.svc.RunSync(ctx, Request{Indicators: sel, SkipOHLC: true})
	require.NoError(t, sum.Err())
	assert.Equal(t, 1, h.source.callCount(btc1h), "no fetch when OHLC is skipped")
	// periods 9 and 20 emit over 40 closed candles, the longer ones stay cold
	assert.Equal(t, 32+21, sum.Pairs[0].ByKind[model.KindEMA])
	assert.Positive(t, sum.Pairs[0].Patterns)

	// OHLC only
	h.now = t0.Add(41 * time.Hour)
	h.source.set(btc1h, fixture(btc1h, 41))
	sum = h.svc.RunSync(ctx, Request{SkipIndicators: true})
	require.NoError(t, sum.Err())
	assert.Equal(t, 1, sum.Pairs[0].Inserted)
	assert.Zero(t, sum.Pairs[0].Points)
}

func TestRunSync_InvalidRange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, t0.Add(10*time.Hour), Config{})
	h.source.set(btc1h, fixture(btc1h, 10))
	require.NoError(t, h.svc.RunSync(ctx, Request{}).Err())

	start := t0.Add(20 * time.Hour)
	sum := h.svc.RunSync(ctx, Request{Start: &start})
	require.Equal(t, 1, sum.Errors)
	assert.True(t, errors.Is(sum.Pairs[0].Err, model.ErrInvalidRange))

	sum = h.svc.RunSync(ctx, Request{Timeframes: []model.Timeframe{"7m"}})
	assert.True(t, errors.Is(sum.Pairs[0].Err, model.ErrInvalidRange))
}

func TestRunSync_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, t0.Add(10*time.Hour), Config{Symbols: []string{"BTCUSDT", "ETHUSDT"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum := h.svc.RunSync(ctx, Request{})
	assert.Equal(t, 2, sum.Errors)
	for _, p := range sum.Pairs {
		assert.ErrorIs(t, p.Err, context.Canceled)
	}
	assert.Zero(t, h.source.callCount(btc1h))
}

func TestMutexLocker(t *testing.T) {
	l := NewMutexLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "a")
	require.NoError(t, err)

	other, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	other()

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(tctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent
	again, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	again()
}

func TestParseSelection(t *testing.T) {
	sel, err := ParseSelection("")
	require.NoError(t, err)
	assert.Equal(t, All(), sel)

	sel, err = ParseSelection("pivot, EMA ,patterns,ema")
	require.NoError(t, err)
	assert.Equal(t, []model.IndicatorKind{model.KindEMA, model.KindPivot}, sel.Kinds)
	assert.True(t, sel.Patterns)
	assert.Equal(t, "ema,pivot,patterns", sel.String())

	sel, err = ParseSelection("rsi,all")
	require.NoError(t, err)
	assert.Equal(t, All(), sel)

	_, err = ParseSelection("macd")
	assert.Error(t, err)
}
