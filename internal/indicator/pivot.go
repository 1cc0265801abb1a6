package indicator

import (
	"encoding/json"
	"fmt"
	"time"

	"ohlcsync/internal/model"

	"github.com/shopspring/decimal"
)

// Pivot emits classic floor pivot levels once per period, keyed to the first
// candle of the new period and computed only from the prior complete period's
// high, low and close. A period that history enters mid-way is incomplete and
// yields no pivot for the period after it.
type Pivot struct {
	period model.Timeframe
	state  pivotState
}

type pivotState struct {
	Has     bool    `json:"has"`
	Start   int64   `json:"start"` // current period open time, unix ms
	High    float64 `json:"high"`
	Low     float64 `json:"low"`
	Close   float64 `json:"close"`
	Partial bool    `json:"partial"`
	Last    int64   `json:"last"`
}

// NewPivot creates a pivot calculator over periods of the given length
// (model.TF1M for monthly pivots).
func NewPivot(period model.Timeframe) *Pivot {
	return &Pivot{period: period}
}

func (pv *Pivot) Kind() model.IndicatorKind { return model.KindPivot }
func (pv *Pivot) Params() string            { return "period=" + string(pv.period) }
func (pv *Pivot) Last() time.Time           { return fromUnixMs(pv.state.Last) }

func (pv *Pivot) Update(c model.Candle) (map[string]decimal.Decimal, bool) {
	values, ok := pv.ObserveTail(c)

	s := &pv.state
	_, high, low, closePx, _ := c.OHLCV()
	start := pv.period.Floor(c.OpenTime)
	s.Last = c.OpenTime.UnixMilli()

	if !s.Has || start.UnixMilli() != s.Start {
		*s = pivotState{
			Has:     true,
			Start:   start.UnixMilli(),
			High:    high,
			Low:     low,
			Close:   closePx,
			Partial: !start.Equal(c.OpenTime),
			Last:    s.Last,
		}
		return values, ok
	}

	if high > s.High {
		s.High = high
	}
	if low < s.Low {
		s.Low = low
	}
	s.Close = closePx
	return values, ok
}

// ObserveTail returns the levels c's period would carry if c opens a new
// period right after a complete one. State is not modified.
func (pv *Pivot) ObserveTail(c model.Candle) (map[string]decimal.Decimal, bool) {
	s := pv.state
	if !s.Has || s.Partial {
		return nil, false
	}
	start := pv.period.Floor(c.OpenTime)
	if start.UnixMilli() == s.Start {
		return nil, false
	}
	// the completed period must be the one immediately before
	if pv.period.Prev(start).UnixMilli() != s.Start {
		return nil, false
	}
	return PivotLevels(s.High, s.Low, s.Close), true
}

// PivotLevels computes the pivot point with five resistance and five support
// levels from a period's high, low and close.
func PivotLevels(h, l, c float64) map[string]decimal.Decimal {
	pp := (h + l + c) / 3
	return map[string]decimal.Decimal{
		"pp": dec(pp),
		"r1": dec(2*pp - l),
		"r2": dec(pp + (h - l)),
		"r3": dec(h + 2*(pp-l)),
		"r4": dec(3*pp + (h - 3*l)),
		"r5": dec(4*pp + (h - 4*l)),
		"s1": dec(2*pp - h),
		"s2": dec(pp - (h - l)),
		"s3": dec(l - 2*(h-pp)),
		"s4": dec(3*pp - (3*h - l)),
		"s5": dec(4*pp - (4*h - l)),
	}
}

func (pv *Pivot) MarshalState() (json.RawMessage, error) { return json.Marshal(pv.state) }

func (pv *Pivot) UnmarshalState(data json.RawMessage) error {
	var st pivotState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("pivot state: %w", err)
	}
	pv.state = st
	return nil
}
