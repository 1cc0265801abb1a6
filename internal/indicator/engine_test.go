package indicator

import (
	"context"
	"math"
	"testing"
	"time"

	"ohlcsync/internal/model"
	"ohlcsync/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hourly = model.SeriesKey{Symbol: "BTCUSDT", Timeframe: model.TF1h}

func farFuture() time.Time { return t0.AddDate(1, 0, 0) }

func round2(x float64) float64 { return math.Round(x*100) / 100 }

// wave builds n deterministic hourly candles with mixed up/down/flat closes.
func wave(n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		f := float64(i)
		c := round2(100 + 10*math.Sin(f/3) + f*0.5)
		o := round2(c - math.Cos(f))
		h := round2(math.Max(o, c) + 1.5)
		l := round2(math.Min(o, c) - 1.25)
		out[i] = bar(i, o, h, l, c, float64(100+(i*7)%50))
	}
	return out
}

func seed(t *testing.T, st *memory.Store, series model.SeriesKey, candles []model.Candle) {
	t.Helper()
	_, err := st.UpsertCandles(context.Background(), series, candles)
	require.NoError(t, err)
}

func allPoints(t *testing.T, st *memory.Store, e *Engine, series model.SeriesKey, kinds []model.IndicatorKind) map[string][]model.IndicatorPoint {
	t.Helper()
	out := make(map[string][]model.IndicatorPoint)
	for _, calc := range e.Calculators(series.Timeframe, kinds) {
		pts, err := st.ReadIndicatorPoints(context.Background(), calc.Kind(), series, calc.Params(), time.Time{}, time.Time{})
		require.NoError(t, err)
		out[string(calc.Kind())+"/"+calc.Params()] = pts
	}
	return out
}

func assertSamePoints(t *testing.T, want, got map[string][]model.IndicatorPoint) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for key, wp := range want {
		gp := got[key]
		require.Len(t, gp, len(wp), key)
		for i := range wp {
			require.True(t, wp[i].TS.Equal(gp[i].TS), "%s point %d ts", key, i)
			require.Len(t, gp[i].Values, len(wp[i].Values), "%s point %d", key, i)
			for col, v := range wp[i].Values {
				assert.True(t, v.Equal(gp[i].Values[col]), "%s %s at %s: want %s got %s",
					key, col, wp[i].TS, v, gp[i].Values[col])
			}
		}
	}
}

func TestEngine_EMA9_ResumeFromCandle40(t *testing.T) {
	ctx := context.Background()
	candles := wave(50)
	cfg := Config{EMAPeriods: []int{9}}
	kinds := []model.IndicatorKind{model.KindEMA}

	scratch := memory.New()
	seed(t, scratch, hourly, candles)
	se := NewEngine(scratch, cfg, WithClock(farFuture))
	rep, err := se.Run(ctx, hourly, nil, kinds)
	require.NoError(t, err)
	assert.Equal(t, 42, rep.Points) // candles 9..50

	inc := memory.New()
	seed(t, inc, hourly, candles[:40])
	ie := NewEngine(inc, cfg, WithClock(farFuture), WithBatchSize(7))
	_, err = ie.Run(ctx, hourly, nil, kinds)
	require.NoError(t, err)

	seed(t, inc, hourly, candles[40:])
	touched := candles[40].OpenTime
	rep, err = ie.Run(ctx, hourly, &touched, kinds)
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Points, "resume must only compute the new candles")

	assertSamePoints(t, allPoints(t, scratch, se, hourly, kinds), allPoints(t, inc, ie, hourly, kinds))
}

func TestEngine_AllKinds_ResumeEquivalence(t *testing.T) {
	ctx := context.Background()
	candles := wave(60)
	cfg := Config{
		EMAPeriods: []int{5, 9},
		RSIPeriods: []int{14},
		OBV:        OBVConfig{MAType: MASMABB, MAPeriod: 5, BBMult: 2},
		CE:         CEConfig{Period: 10, Multiplier: 3},
	}

	scratch := memory.New()
	seed(t, scratch, hourly, candles)
	se := NewEngine(scratch, cfg, WithClock(farFuture))
	_, err := se.Run(ctx, hourly, nil, nil)
	require.NoError(t, err)

	inc := memory.New()
	ie := NewEngine(inc, cfg, WithClock(farFuture), WithBatchSize(3))
	for _, cut := range [][2]int{{0, 25}, {25, 26}, {26, 41}, {41, 60}} {
		seed(t, inc, hourly, candles[cut[0]:cut[1]])
		touched := candles[cut[0]].OpenTime
		_, err := ie.Run(ctx, hourly, &touched, nil)
		require.NoError(t, err)
	}

	assertSamePoints(t, allPoints(t, scratch, se, hourly, nil), allPoints(t, inc, ie, hourly, nil))
}

func TestEngine_RerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed(t, st, hourly, wave(30))
	e := NewEngine(st, Config{EMAPeriods: []int{9}, RSIPeriods: []int{14}}, WithClock(farFuture))
	kinds := []model.IndicatorKind{model.KindEMA, model.KindRSI}

	_, err := e.Run(ctx, hourly, nil, kinds)
	require.NoError(t, err)
	before := allPoints(t, st, e, hourly, kinds)

	// nothing touched, nothing newly closed
	rep, err := e.Run(ctx, hourly, nil, kinds)
	require.NoError(t, err)
	assert.Zero(t, rep.Points)

	// replaying from the start rewrites identical values
	start := t0
	rep, err = e.Run(ctx, hourly, &start, kinds)
	require.NoError(t, err)
	assert.Equal(t, 22+16, rep.Points)
	assertSamePoints(t, before, allPoints(t, st, e, hourly, kinds))
}

func TestEngine_CorrectionRecomputesFromTouched(t *testing.T) {
	ctx := context.Background()
	candles := wave(50)
	cfg := Config{EMAPeriods: []int{9}, CE: CEConfig{Period: 10, Multiplier: 3}}
	kinds := []model.IndicatorKind{model.KindEMA, model.KindCE}

	st := memory.New()
	seed(t, st, hourly, candles)
	e := NewEngine(st, cfg, WithClock(farFuture))
	_, err := e.Run(ctx, hourly, nil, kinds)
	require.NoError(t, err)

	fixed := candles[45]
	fixed.Close = fixed.Close.Add(decimal.NewFromFloat(0.75))
	fixed.High = fixed.High.Add(decimal.NewFromFloat(0.75))
	seed(t, st, hourly, []model.Candle{fixed})
	touched := fixed.OpenTime
	_, err = e.Run(ctx, hourly, &touched, kinds)
	require.NoError(t, err)

	corrected := append([]model.Candle(nil), candles...)
	corrected[45] = fixed
	ref := memory.New()
	seed(t, ref, hourly, corrected)
	re := NewEngine(ref, cfg, WithClock(farFuture))
	_, err = re.Run(ctx, hourly, nil, kinds)
	require.NoError(t, err)

	assertSamePoints(t, allPoints(t, ref, re, hourly, kinds), allPoints(t, st, e, hourly, kinds))
}

func TestEngine_SkipsOpenTail(t *testing.T) {
	ctx := context.Background()
	candles := wave(12)
	st := memory.New()
	seed(t, st, hourly, candles)

	// clock inside the last candle's slot: it is still forming
	now := candles[11].OpenTime.Add(30 * time.Minute)
	e := NewEngine(st, Config{EMAPeriods: []int{3}}, WithClock(func() time.Time { return now }))
	rep, err := e.Run(ctx, hourly, nil, []model.IndicatorKind{model.KindEMA})
	require.NoError(t, err)
	assert.Equal(t, 9, rep.Points) // candles 3..11, the 12th is open
	require.Len(t, rep.Latest, 1)
	assert.True(t, rep.Latest[0].TS.Equal(candles[10].OpenTime))
}

func TestEngine_InsufficientHistoryEmitsNothing(t *testing.T) {
	st := memory.New()
	seed(t, st, hourly, wave(5))
	e := NewEngine(st, Config{EMAPeriods: []int{9}, RSIPeriods: []int{14}}, WithClock(farFuture))
	rep, err := e.Run(context.Background(), hourly, nil, []model.IndicatorKind{model.KindEMA, model.KindRSI})
	require.NoError(t, err)
	assert.Zero(t, rep.Points)
}

// ────────────────────────────────────────────────────────────
// Pivot through the engine
// ────────────────────────────────────────────────────────────

var daily = model.SeriesKey{Symbol: "BTCUSDT", Timeframe: model.TF1d}

func dayBar(day time.Time, o, h, l, c float64) model.Candle {
	return model.Candle{
		Symbol: daily.Symbol, Timeframe: daily.Timeframe, OpenTime: day,
		Open: decimal.NewFromFloat(o), High: decimal.NewFromFloat(h),
		Low: decimal.NewFromFloat(l), Close: decimal.NewFromFloat(c),
		Volume: decimal.NewFromInt(10),
	}
}

func days(from, to time.Time) []model.Candle {
	var out []model.Candle
	i := 0
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		base := 100 + float64(i%7)*2
		out = append(out, dayBar(d, base, base+5, base-5, base+1))
		i++
	}
	return out
}

func TestEngine_PivotUnchangedByCurrentMonthEdits(t *testing.T) {
	ctx := context.Background()
	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	mar1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := days(jan1, time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC))

	cfg := Config{PivotPeriod: model.TF1M, PivotTimeframes: []model.Timeframe{model.TF1d}}
	kinds := []model.IndicatorKind{model.KindPivot}
	st := memory.New()
	seed(t, st, daily, candles)
	e := NewEngine(st, cfg, WithClock(farFuture))
	_, err := e.Run(ctx, daily, nil, kinds)
	require.NoError(t, err)

	pts, err := st.ReadIndicatorPoints(ctx, model.KindPivot, daily, "period=1M", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.True(t, pts[0].TS.Equal(feb1))
	assert.True(t, pts[1].TS.Equal(mar1))

	// February pivot from January: H 117, L 95, C = Jan 31 close
	jan31 := candles[30]
	janClose := jan31.Close.InexactFloat64()
	assert.True(t, PivotLevels(117, 95, janClose)["pp"].Equal(pts[0].Values["pp"]))
	marchPivot := pts[1].Values

	// a big move inside March must not touch the March pivot
	mar10 := dayBar(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), 100, 500, 10, 450)
	seed(t, st, daily, []model.Candle{mar10})
	touched := mar10.OpenTime
	_, err = e.Run(ctx, daily, &touched, kinds)
	require.NoError(t, err)

	pts, err = st.ReadIndicatorPoints(ctx, model.KindPivot, daily, "period=1M", mar1, time.Time{})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	for k, v := range marchPivot {
		assert.True(t, v.Equal(pts[0].Values[k]), "%s changed: %s → %s", k, v, pts[0].Values[k])
	}
}

func TestEngine_PivotFromOpenTail(t *testing.T) {
	ctx := context.Background()
	monthly := model.SeriesKey{Symbol: "BTCUSDT", Timeframe: model.TF1M}
	mk := func(m time.Month, h, l, c float64) model.Candle {
		return model.Candle{
			Symbol: "BTCUSDT", Timeframe: model.TF1M,
			OpenTime: time.Date(2024, m, 1, 0, 0, 0, 0, time.UTC),
			Open:     decimal.NewFromFloat(l), High: decimal.NewFromFloat(h),
			Low: decimal.NewFromFloat(l), Close: decimal.NewFromFloat(c),
			Volume: decimal.NewFromInt(1),
		}
	}
	st := memory.New()
	seed(t, st, monthly, []model.Candle{mk(1, 110, 90, 100), mk(2, 130, 100, 120), mk(3, 125, 118, 119)})

	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) // March is still forming
	cfg := Config{PivotPeriod: model.TF1M, PivotTimeframes: []model.Timeframe{model.TF1M}}
	e := NewEngine(st, cfg, WithClock(func() time.Time { return now }))
	rep, err := e.Run(ctx, monthly, nil, []model.IndicatorKind{model.KindPivot})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Points)

	pts, err := st.ReadIndicatorPoints(ctx, model.KindPivot, monthly, "period=1M", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.True(t, pts[0].Values["pp"].Equal(decimal.NewFromInt(100)))
	assert.True(t, pts[1].Values["pp"].Equal(PivotLevels(130, 100, 120)["pp"]))

	// the tail point's state stops at February, so the next run picks March up again
	pv := NewPivot(model.TF1M)
	require.NoError(t, pv.UnmarshalState(pts[1].State))
	assert.True(t, pv.Last().Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
}
