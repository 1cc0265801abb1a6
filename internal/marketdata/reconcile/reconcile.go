// Package reconcile merges fetched candle batches into the candle store.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ohlcsync/internal/logger"
	"ohlcsync/internal/model"
)

// Result describes what one Apply call changed.
type Result struct {
	Inserted  int
	Updated   int
	Unchanged int
	// EarliestTouched is the open time of the first inserted or updated
	// candle, nil when nothing changed.
	EarliestTouched *time.Time
	// PrevTail is the newest stored open time before the batch was applied.
	PrevTail *time.Time
	Gaps     int
}

func (r Result) Written() int { return r.Inserted + r.Updated }

// Reconciler applies batches for any series; callers serialize per series.
type Reconciler struct {
	store model.CandleStore
}

func New(store model.CandleStore) *Reconciler {
	return &Reconciler{store: store}
}

// Validate checks a batch in order and returns the length of the valid prefix
// together with the error describing the first bad candle, if any.
func Validate(series model.SeriesKey, batch []model.Candle) (int, error) {
	var prev time.Time
	for i, c := range batch {
		if reason := check(series, c); reason != "" {
			return i, &model.CandleError{Index: i, OpenTime: c.OpenTime, Reason: reason}
		}
		if i > 0 && !c.OpenTime.After(prev) {
			return i, &model.CandleError{Index: i, OpenTime: c.OpenTime, Reason: "timestamps not strictly increasing"}
		}
		prev = c.OpenTime
	}
	return len(batch), nil
}

func check(series model.SeriesKey, c model.Candle) string {
	if c.Symbol != series.Symbol || c.Timeframe != series.Timeframe {
		return fmt.Sprintf("belongs to %s", c.Series())
	}
	if !series.Timeframe.Aligned(c.OpenTime) {
		return "open time not aligned to timeframe"
	}
	// decimals cannot hold NaN or Inf; the source adapter reports such rows as
	// a CandleError and hands over only the prefix before them
	if c.Volume.IsNegative() {
		return "negative volume"
	}
	if c.Open.IsNegative() || c.High.IsNegative() || c.Low.IsNegative() || c.Close.IsNegative() {
		return "negative price"
	}
	if c.High.LessThan(c.Low) {
		return "high below low"
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return "high below max(open, close)"
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return "low above min(open, close)"
	}
	return ""
}

// Apply validates batch and upserts its valid prefix in one store call. When a
// candle is rejected the prefix before it is still committed and the
// CandleError is returned alongside the partial Result.
func (r *Reconciler) Apply(ctx context.Context, series model.SeriesKey, batch []model.Candle) (Result, error) {
	var res Result

	last, err := r.store.LastCandle(ctx, series)
	if err != nil {
		return res, err
	}
	if last != nil {
		t := last.OpenTime
		res.PrevTail = &t
	}

	n, verr := Validate(series, batch)
	valid := batch[:n]
	if len(valid) > 0 {
		outcomes, err := r.store.UpsertCandles(ctx, series, valid)
		if err != nil {
			return res, err
		}
		for i, o := range outcomes {
			switch o {
			case model.Inserted:
				res.Inserted++
			case model.Updated:
				res.Updated++
			default:
				res.Unchanged++
				continue
			}
			if res.EarliestTouched == nil {
				t := valid[i].OpenTime
				res.EarliestTouched = &t
			}
		}
		res.Gaps = countGaps(series.Timeframe, res.PrevTail, valid)
	}

	if res.Gaps > 0 {
		logger.From(ctx).Warn("candle sequence has gaps", slog.Int("missing", res.Gaps))
	}
	if verr != nil {
		logger.From(ctx).Error("candle rejected, batch stopped",
			slog.Int("committed", n), slog.String("error", verr.Error()))
		return res, verr
	}
	return res, nil
}

// countGaps counts missing slots between consecutive candles, including the
// join between the stored tail and a batch that starts after it.
func countGaps(tf model.Timeframe, tail *time.Time, batch []model.Candle) int {
	gaps := 0
	prev := time.Time{}
	if tail != nil && batch[0].OpenTime.After(*tail) {
		prev = *tail
	}
	for _, c := range batch {
		if !prev.IsZero() {
			if missing := tf.Steps(tf.Next(prev), c.OpenTime); missing > 0 {
				gaps += missing
			}
		}
		prev = c.OpenTime
	}
	return gaps
}
