package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SeriesKey identifies one candle series: an instrument at a timeframe.
type SeriesKey struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
}

// String returns "symbol:timeframe", used for lock and cache keys.
func (k SeriesKey) String() string {
	return k.Symbol + ":" + string(k.Timeframe)
}

// Candle is one OHLCV aggregate. OpenTime is the slot's open time in UTC
// and, together with the series, is the candle's identity.
// Prices and volume are fixed-precision decimals so repeated syncs never drift.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Pattern   string          `json:"pattern,omitempty"`
}

// Series returns the candle's series key.
func (c Candle) Series() SeriesKey {
	return SeriesKey{Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// SameValues reports whether o carries the same OHLCV values as c.
// The pattern label is derived data and is not compared.
func (c Candle) SameValues(o Candle) bool {
	return c.Open.Equal(o.Open) &&
		c.High.Equal(o.High) &&
		c.Low.Equal(o.Low) &&
		c.Close.Equal(o.Close) &&
		c.Volume.Equal(o.Volume)
}

// OHLCV returns the candle values as float64 for indicator math.
func (c Candle) OHLCV() (o, h, l, cl, v float64) {
	return c.Open.InexactFloat64(), c.High.InexactFloat64(), c.Low.InexactFloat64(),
		c.Close.InexactFloat64(), c.Volume.InexactFloat64()
}

// UpsertOutcome records what an upsert did to one candle slot.
type UpsertOutcome int

const (
	Unchanged UpsertOutcome = iota // stored row already held identical values
	Inserted                       // slot was empty
	Updated                        // slot existed with different values
)

func (o UpsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// PatternLabel assigns a shape label to one stored candle.
type PatternLabel struct {
	OpenTime time.Time
	Pattern  string
}

// SplitClosed separates an ascending candle run into its closed prefix and
// the open tail, if any. A candle is closed once its slot has elapsed or a
// later candle exists.
func SplitClosed(candles []Candle, now time.Time) (closed []Candle, tail *Candle) {
	n := len(candles)
	if n == 0 {
		return nil, nil
	}
	last := candles[n-1]
	if last.Timeframe.ClosedAt(last.OpenTime, now) {
		return candles, nil
	}
	return candles[:n-1], &last
}
