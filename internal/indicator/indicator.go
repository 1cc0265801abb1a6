// Package indicator provides the stateful technical indicator calculators
// and the engine that drives them over a stored candle series.
//
// Every calculator is an explicit state machine: it consumes closed candles
// strictly in time order, emits at most one point per candle, and can
// serialize its running state so a later run resumes exactly where this one
// stopped.
package indicator

import (
	"encoding/json"
	"time"

	"ohlcsync/internal/model"

	"github.com/shopspring/decimal"
)

// valueScale is the number of decimal places persisted for indicator values.
const valueScale = 8

// Calculator is one indicator family instance for one parameter set.
type Calculator interface {
	Kind() model.IndicatorKind

	// Params is the canonical parameter string, part of the point key.
	Params() string

	// Update consumes the next closed candle. ok is false during warm-up.
	Update(c model.Candle) (values map[string]decimal.Decimal, ok bool)

	// Last returns the open time of the last consumed candle (zero when cold).
	Last() time.Time

	MarshalState() (json.RawMessage, error)
	UnmarshalState(data json.RawMessage) error
}

// TailObserver is implemented by calculators that can emit a point from the
// still-open tail candle without consuming it.
type TailObserver interface {
	ObserveTail(c model.Candle) (values map[string]decimal.Decimal, ok bool)
}

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(valueScale)
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
