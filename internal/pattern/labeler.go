package pattern

import (
	"context"
	"fmt"
	"time"

	"ohlcsync/internal/model"
)

// Labeler classifies stored closed candles and writes their labels back.
type Labeler struct {
	store   model.CandleStore
	now     func() time.Time
	timeout time.Duration
}

// NewLabeler creates a Labeler. now decides which candles are closed and
// timeout, when positive, bounds each store call.
func NewLabeler(store model.CandleStore, now func() time.Time, timeout time.Duration) *Labeler {
	if now == nil {
		now = time.Now
	}
	return &Labeler{store: store, now: now, timeout: timeout}
}

func (l *Labeler) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

// Label classifies every closed candle opening at or after from (the whole
// series when from is zero) and stores labels that differ from the stored
// ones. Context candles must sit in the immediately preceding slots; a gap
// shortens the window. Returns the number of labels written.
func (l *Labeler) Label(ctx context.Context, series model.SeriesKey, from time.Time) (int, error) {
	tf := series.Timeframe
	readFrom := from
	if !from.IsZero() {
		readFrom = tf.Add(tf.Floor(from), -2)
	}

	sctx, cancel := l.storeCtx(ctx)
	candles, err := l.store.ReadRange(sctx, series, readFrom, time.Time{})
	cancel()
	if err != nil {
		return 0, fmt.Errorf("read candles: %w", err)
	}
	closed, _ := model.SplitClosed(candles, l.now())

	var labels []model.PatternLabel
	for i, c := range closed {
		if c.OpenTime.Before(from) {
			continue
		}
		lo := i
		for lo > 0 && i-lo < 2 && closed[lo-1].OpenTime.Equal(tf.Add(closed[lo].OpenTime, -1)) {
			lo--
		}
		p := Classify(closed[lo : i+1])
		if p == c.Pattern {
			continue
		}
		labels = append(labels, model.PatternLabel{OpenTime: c.OpenTime, Pattern: p})
	}

	if len(labels) == 0 {
		return 0, nil
	}
	sctx, cancel = l.storeCtx(ctx)
	defer cancel()
	if err := l.store.SetPatterns(sctx, series, labels); err != nil {
		return 0, fmt.Errorf("set patterns: %w", err)
	}
	return len(labels), nil
}
