package indicator

import (
	"encoding/json"
	"fmt"
	"time"

	"ohlcsync/internal/model"

	"github.com/shopspring/decimal"
)

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// The first candle only records the close; the first value needs period+1
// candles. Update is O(1) per candle.
type RSI struct {
	state rsiState
}

type rsiState struct {
	Period    int     `json:"period"`
	Count     int     `json:"count"`
	PrevClose float64 `json:"prev_close"`
	AvgGain   float64 `json:"avg_gain"`
	AvgLoss   float64 `json:"avg_loss"`
	Last      int64   `json:"last"`
}

// NewRSI creates a new RSI calculator with the given period (typically 14).
func NewRSI(period int) *RSI {
	return &RSI{state: rsiState{Period: period}}
}

func (r *RSI) Kind() model.IndicatorKind { return model.KindRSI }
func (r *RSI) Params() string            { return fmt.Sprintf("period=%d", r.state.Period) }
func (r *RSI) Last() time.Time           { return fromUnixMs(r.state.Last) }

func (r *RSI) Update(c model.Candle) (map[string]decimal.Decimal, bool) {
	s := &r.state
	price := c.Close.InexactFloat64()
	s.Last = c.OpenTime.UnixMilli()
	s.Count++

	if s.Count == 1 {
		s.PrevClose = price
		return nil, false
	}

	delta := price - s.PrevClose
	s.PrevClose = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	p := float64(s.Period)
	if s.Count <= s.Period+1 {
		// Accumulation phase: build initial averages
		s.AvgGain += gain
		s.AvgLoss += loss
		if s.Count < s.Period+1 {
			return nil, false
		}
		s.AvgGain /= p
		s.AvgLoss /= p
	} else {
		s.AvgGain = (s.AvgGain*(p-1) + gain) / p
		s.AvgLoss = (s.AvgLoss*(p-1) + loss) / p
	}

	return map[string]decimal.Decimal{"value": dec(rsiValue(s.AvgGain, s.AvgLoss))}, true
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// Zone classifies an RSI value against overbought/oversold thresholds:
// 1 above overbought, -1 below oversold, else 0.
func Zone(value, overbought, oversold float64) int {
	switch {
	case value >= overbought:
		return 1
	case value <= oversold:
		return -1
	}
	return 0
}

func (r *RSI) MarshalState() (json.RawMessage, error) { return json.Marshal(r.state) }

func (r *RSI) UnmarshalState(data json.RawMessage) error {
	var st rsiState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("rsi state: %w", err)
	}
	if st.Period != r.state.Period {
		return fmt.Errorf("rsi state: period %d, want %d", st.Period, r.state.Period)
	}
	r.state = st
	return nil
}
