package pattern

import (
	"context"
	"testing"
	"time"

	"ohlcsync/internal/model"
	"ohlcsync/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func c(i int, o, h, l, cl float64) model.Candle {
	return model.Candle{
		Symbol: "BTCUSDT", Timeframe: model.TF1h,
		OpenTime: base.Add(time.Duration(i) * time.Hour),
		Open:     decimal.NewFromFloat(o), High: decimal.NewFromFloat(h),
		Low: decimal.NewFromFloat(l), Close: decimal.NewFromFloat(cl),
		Volume: decimal.NewFromInt(1),
	}
}

func TestClassify_Single(t *testing.T) {
	cases := []struct {
		name string
		bar  model.Candle
		want string
	}{
		{"doji", c(0, 100, 110, 90, 100.5), Doji},
		{"hammer", c(0, 107, 110, 90, 109), Hammer},                 // body .1, lower .85
		{"bullish marubozu", c(0, 90.5, 110, 90, 109.5), BullishMarubozu},
		{"inverted hammer", c(0, 97, 110, 90, 110), InvertedHammer}, // body .65, lower .35
		{"shooting star", c(0, 92, 110, 90, 90), ShootingStar},       // upper .9, body .1
		{"bearish marubozu", c(0, 109.5, 110, 90, 90.5), BearishMarubozu},
		{"hanging man", c(0, 103, 110, 90, 90), HangingMan},          // body .65, upper .35
		{"plain bullish", c(0, 95, 110, 90, 102), None},
		{"zero range", c(0, 100, 100, 100, 100), None},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify([]model.Candle{tc.bar}))
		})
	}
}

func TestClassify_TwoCandle(t *testing.T) {
	// prev bullish 100→104, cur bearish opening above and closing below with a bigger body
	assert.Equal(t, BearishEngulfing, Classify([]model.Candle{
		c(0, 100, 105, 99, 104), c(1, 105, 106, 96, 98),
	}))
	assert.Equal(t, BullishEngulfing, Classify([]model.Candle{
		c(0, 104, 105, 99, 100), c(1, 99, 108, 98, 107),
	}))
	// large bearish body then a small bullish body inside it
	assert.Equal(t, BullishHarami, Classify([]model.Candle{
		c(0, 110, 111, 99, 100), c(1, 103, 106, 102, 105),
	}))
	assert.Equal(t, BearishHarami, Classify([]model.Candle{
		c(0, 100, 111, 99, 110), c(1, 107, 108, 104, 105),
	}))
	// matching highs, bullish then bearish, no engulf or harami
	assert.Equal(t, TweezerTop, Classify([]model.Candle{
		c(0, 100, 110, 99, 101), c(1, 100.8, 110.05, 95, 97),
	}))
	assert.Equal(t, TweezerBottom, Classify([]model.Candle{
		c(0, 101, 102, 90, 100), c(1, 100.2, 105, 90.05, 104),
	}))
}

func TestClassify_ThreeCandleWins(t *testing.T) {
	// bearish, small bearish, bullish closing above the middle open
	window := []model.Candle{
		c(0, 110, 111, 99, 100),
		c(1, 99, 100, 97, 98.5),
		c(2, 99, 104, 98.5, 103),
	}
	assert.Equal(t, MorningStar, Classify(window))

	window = []model.Candle{
		c(0, 100, 111, 99, 110),
		c(1, 110.5, 112, 110, 111.5),
		c(2, 111, 111.5, 105, 106),
	}
	assert.Equal(t, EveningStar, Classify(window))
}

func TestClassify_UsesOnlyTrailingThree(t *testing.T) {
	window := []model.Candle{
		c(0, 1, 2, 0.5, 1.5),
		c(1, 110, 111, 99, 100),
		c(2, 99, 100, 97, 98.5),
		c(3, 99, 104, 98.5, 103),
	}
	assert.Equal(t, MorningStar, Classify(window))
	assert.Equal(t, None, Classify(nil))
}

func TestLabeler_LabelsClosedOnlyAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	series := model.SeriesKey{Symbol: "BTCUSDT", Timeframe: model.TF1h}
	st := memory.New()
	_, err := st.UpsertCandles(ctx, series, []model.Candle{
		c(0, 100, 110, 90, 100.5), // doji
		c(1, 107, 110, 90, 109),   // hammer
		c(2, 100, 110, 90, 100.5), // open tail, would be doji
	})
	require.NoError(t, err)

	now := base.Add(2*time.Hour + 10*time.Minute)
	lb := NewLabeler(st, func() time.Time { return now }, 0)
	n, err := lb.Label(ctx, series, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := st.ReadRange(ctx, series, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, Doji, rows[0].Pattern)
	assert.Equal(t, Hammer, rows[1].Pattern)
	assert.Equal(t, None, rows[2].Pattern)

	n, err = lb.Label(ctx, series, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n, "relabeling unchanged candles writes nothing")
}

func TestLabeler_ContextFromPrecedingSlots(t *testing.T) {
	ctx := context.Background()
	series := model.SeriesKey{Symbol: "BTCUSDT", Timeframe: model.TF1h}
	st := memory.New()
	_, err := st.UpsertCandles(ctx, series, []model.Candle{
		c(0, 110, 111, 99, 100),
		c(1, 99, 100, 97, 98.5),
		c(2, 99, 104, 98.5, 103),
	})
	require.NoError(t, err)

	lb := NewLabeler(st, func() time.Time { return base.AddDate(0, 0, 1) }, 0)
	_, err = lb.Label(ctx, series, base.Add(2*time.Hour))
	require.NoError(t, err)

	rows, err := st.ReadRange(ctx, series, base.Add(2*time.Hour), time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, MorningStar, rows[0].Pattern)
}
