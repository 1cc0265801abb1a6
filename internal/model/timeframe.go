package model

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a candle interval in exchange notation ("1h", "1d", "1M").
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
	TF3d  Timeframe = "3d"
	TF1w  Timeframe = "1w"
	TF1M  Timeframe = "1M"
)

var fixedSteps = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF3m:  3 * time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF2h:  2 * time.Hour,
	TF4h:  4 * time.Hour,
	TF6h:  6 * time.Hour,
	TF8h:  8 * time.Hour,
	TF12h: 12 * time.Hour,
	TF1d:  24 * time.Hour,
	TF3d:  72 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
}

// ParseTimeframe validates s as a supported timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.TrimSpace(s))
	if !tf.Valid() {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// ParseTimeframes parses a comma-separated timeframe list.
func ParseTimeframes(s string) ([]Timeframe, error) {
	var out []Timeframe
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		tf, err := ParseTimeframe(part)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

func (tf Timeframe) Valid() bool {
	if tf == TF1M {
		return true
	}
	_, ok := fixedSteps[tf]
	return ok
}

// Step returns the fixed slot length, or 0 for calendar months.
func (tf Timeframe) Step() time.Duration {
	return fixedSteps[tf]
}

// Floor returns the open time of the slot containing t.
// Weeks open Monday 00:00 UTC, months on the 1st; all other slots are
// aligned to the Unix epoch.
func (tf Timeframe) Floor(t time.Time) time.Time {
	t = t.UTC()
	switch tf {
	case TF1M:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case TF1w:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		back := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -back)
	}
	step := fixedSteps[tf].Milliseconds()
	if step == 0 {
		return t
	}
	ms := t.UnixMilli()
	ms -= ((ms % step) + step) % step
	return time.UnixMilli(ms).UTC()
}

// Add moves an aligned open time n slots forward (or back for n < 0).
func (tf Timeframe) Add(t time.Time, n int) time.Time {
	if tf == TF1M {
		return t.UTC().AddDate(0, n, 0)
	}
	return t.UTC().Add(time.Duration(n) * fixedSteps[tf])
}

// Next returns the open time of the slot after the one containing t.
func (tf Timeframe) Next(t time.Time) time.Time { return tf.Add(tf.Floor(t), 1) }

// Prev returns the open time of the slot before the one containing t.
func (tf Timeframe) Prev(t time.Time) time.Time { return tf.Add(tf.Floor(t), -1) }

// Aligned reports whether t is exactly a slot open time.
func (tf Timeframe) Aligned(t time.Time) bool { return tf.Floor(t).Equal(t) }

// Steps counts the slots opening in [start, end).
func (tf Timeframe) Steps(start, end time.Time) int {
	if !end.After(start) {
		return 0
	}
	start = tf.Floor(start)
	if tf == TF1M {
		n := 0
		for t := start; t.Before(end); t = tf.Add(t, 1) {
			n++
		}
		return n
	}
	step := fixedSteps[tf]
	d := end.Sub(start)
	return int((d + step - 1) / step)
}

// ClosedAt reports whether the slot opening at openTime has fully elapsed by now.
func (tf Timeframe) ClosedAt(openTime, now time.Time) bool {
	return !tf.Next(openTime).After(now)
}
