package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// IndicatorKind names an indicator family. Each family persists to its own relation.
type IndicatorKind string

const (
	KindEMA   IndicatorKind = "ema"
	KindRSI   IndicatorKind = "rsi"
	KindOBV   IndicatorKind = "obv"
	KindCE    IndicatorKind = "ce"
	KindPivot IndicatorKind = "pivot"
)

// AllKinds lists the indicator families in processing order.
var AllKinds = []IndicatorKind{KindEMA, KindRSI, KindOBV, KindCE, KindPivot}

// KindColumns lists the value columns each family stores, in column order.
var KindColumns = map[IndicatorKind][]string{
	KindEMA:   {"value"},
	KindRSI:   {"value"},
	KindOBV:   {"obv", "ma", "upper", "lower"},
	KindCE:    {"atr", "long_stop", "short_stop", "direction", "buy_signal", "sell_signal"},
	KindPivot: {"pp", "r1", "r2", "r3", "r4", "r5", "s1", "s2", "s3", "s4", "s5"},
}

// ParseKind validates s as an indicator family name.
func ParseKind(s string) (IndicatorKind, bool) {
	k := IndicatorKind(s)
	_, ok := KindColumns[k]
	return k, ok
}

// IndicatorPoint is one emitted indicator row, keyed by
// (series, TS, Params). Values missing from the map are stored as NULL.
// State is the calculator's serialized running state right after TS and is
// what an incremental run resumes from.
type IndicatorPoint struct {
	Kind   IndicatorKind              `json:"kind"`
	Series SeriesKey                  `json:"series"`
	TS     time.Time                  `json:"ts"`
	Params string                     `json:"params"`
	Values map[string]decimal.Decimal `json:"values"`
	State  json.RawMessage            `json:"-"`
}
