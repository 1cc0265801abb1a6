package indicator

import (
	"encoding/json"
	"fmt"
	"time"

	"ohlcsync/internal/model"

	"github.com/shopspring/decimal"
)

// EMA calculates the Exponential Moving Average of closes.
// The first point lands on candle `period`, seeded with the SMA of the first
// `period` closes. O(1) per update.
type EMA struct {
	state emaState
}

type emaState struct {
	MA   *MA   `json:"ma"`
	Last int64 `json:"last"`
}

// NewEMA creates a new EMA calculator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{state: emaState{MA: NewMA(MAEMA, period)}}
}

func (e *EMA) Kind() model.IndicatorKind { return model.KindEMA }
func (e *EMA) Params() string            { return fmt.Sprintf("period=%d", e.state.MA.Period) }
func (e *EMA) Last() time.Time           { return fromUnixMs(e.state.Last) }

func (e *EMA) Update(c model.Candle) (map[string]decimal.Decimal, bool) {
	e.state.Last = c.OpenTime.UnixMilli()
	v, ok := e.state.MA.Add(c.Close.InexactFloat64())
	if !ok {
		return nil, false
	}
	return map[string]decimal.Decimal{"value": dec(v)}, true
}

func (e *EMA) MarshalState() (json.RawMessage, error) { return json.Marshal(e.state) }

func (e *EMA) UnmarshalState(data json.RawMessage) error {
	var st emaState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("ema state: %w", err)
	}
	if st.MA == nil || st.MA.Period != e.state.MA.Period {
		return fmt.Errorf("ema state: period mismatch")
	}
	e.state = st
	return nil
}
