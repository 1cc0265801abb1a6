// Package window decides which time range a sync cycle asks the source for.
package window

import (
	"fmt"
	"time"

	"ohlcsync/internal/model"
)

// MaxPerRequest is the largest number of candles a single kline request returns.
const MaxPerRequest = 1000

// Input carries everything Resolve needs. Nil pointers mean "not given".
type Input struct {
	Timeframe    model.Timeframe
	Last         *time.Time // open time of the newest stored candle
	DefaultStart time.Time
	Start        *time.Time
	End          *time.Time
	Now          time.Time
}

// Range is a half-open [Start, End) window of candle open times.
type Range struct {
	Timeframe model.Timeframe
	Start     time.Time
	End       time.Time
}

func (r Range) Empty() bool { return !r.Start.Before(r.End) }

// Steps is the number of candle slots the range covers.
func (r Range) Steps() int { return r.Timeframe.Steps(r.Start, r.End) }

func (r Range) String() string {
	return fmt.Sprintf("%s [%s, %s)", r.Timeframe, r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// Split cuts the range into consecutive pieces of at most max slots each.
func (r Range) Split(max int) []Range {
	if r.Empty() {
		return nil
	}
	if max <= 0 {
		max = MaxPerRequest
	}
	var out []Range
	for cur := r.Start; cur.Before(r.End); {
		next := r.Timeframe.Add(cur, max)
		if next.After(r.End) {
			next = r.End
		}
		out = append(out, Range{Timeframe: r.Timeframe, Start: cur, End: next})
		cur = next
	}
	return out
}

// Resolve computes the fetch window.
//
// With stored data the window starts at the newest stored slot itself so the
// open candle there is re-fetched and corrected. An explicit start earlier
// than that backfills; one past the slot after it would leave a hole and is
// rejected. The end is now, clamped to an explicit end, and then rounded up to
// the end of the slot containing it so the open candle is included.
func Resolve(in Input) (Range, error) {
	tf := in.Timeframe
	if !tf.Valid() {
		return Range{}, fmt.Errorf("%w: unknown timeframe %q", model.ErrInvalidRange, tf)
	}

	var start time.Time
	switch {
	case in.Last != nil:
		start = tf.Floor(*in.Last)
		if in.Start != nil {
			s := tf.Floor(*in.Start)
			if s.After(tf.Next(start)) {
				return Range{}, fmt.Errorf("%w: start %s would leave a gap after stored %s",
					model.ErrInvalidRange, s.Format(time.RFC3339), start.Format(time.RFC3339))
			}
			if s.Before(start) {
				start = s
			}
		}
	case in.Start != nil:
		start = tf.Floor(*in.Start)
	default:
		start = tf.Floor(in.DefaultStart)
	}

	end := in.Now
	if in.End != nil && in.End.Before(end) {
		end = *in.End
	}
	if !tf.Aligned(end) {
		end = tf.Next(end)
	}

	if start.After(end) {
		return Range{}, fmt.Errorf("%w: start %s after end %s",
			model.ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Range{Timeframe: tf, Start: start.UTC(), End: end.UTC()}, nil
}
