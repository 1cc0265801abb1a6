package indicator

import (
	"encoding/json"
	"fmt"
	"time"

	"ohlcsync/internal/model"

	"github.com/shopspring/decimal"
)

// OBVConfig configures the On-Balance Volume accumulator and its optional
// moving average.
type OBVConfig struct {
	Base     float64 // starting total
	MAType   MAType
	MAPeriod int
	BBMult   float64 // band width in standard deviations, sma_bb only
}

// Params returns the canonical parameter string for the point key.
func (c OBVConfig) Params() string {
	if c.MAType == MANone || c.MAType == "" {
		return fmt.Sprintf("base=%g,ma=none", c.Base)
	}
	if c.MAType == MASMABB {
		return fmt.Sprintf("base=%g,ma=%s,len=%d,mult=%g", c.Base, c.MAType, c.MAPeriod, c.BBMult)
	}
	return fmt.Sprintf("base=%g,ma=%s,len=%d", c.Base, c.MAType, c.MAPeriod)
}

// OBV accumulates signed volume: added on an up close, subtracted on a down
// close, unchanged on an equal close. The first candle emits the base.
type OBV struct {
	cfg   OBVConfig
	state obvState
}

type obvState struct {
	Count     int     `json:"count"`
	Total     float64 `json:"total"`
	PrevClose float64 `json:"prev_close"`
	MA        *MA     `json:"ma,omitempty"`
	Last      int64   `json:"last"`
}

// NewOBV creates an OBV calculator.
func NewOBV(cfg OBVConfig) *OBV {
	o := &OBV{cfg: cfg, state: obvState{Total: cfg.Base}}
	if cfg.MAType != MANone && cfg.MAType != "" && cfg.MAPeriod > 0 {
		o.state.MA = NewMA(cfg.MAType, cfg.MAPeriod)
	}
	return o
}

func (o *OBV) Kind() model.IndicatorKind { return model.KindOBV }
func (o *OBV) Params() string            { return o.cfg.Params() }
func (o *OBV) Last() time.Time           { return fromUnixMs(o.state.Last) }

func (o *OBV) Update(c model.Candle) (map[string]decimal.Decimal, bool) {
	s := &o.state
	price := c.Close.InexactFloat64()
	vol := c.Volume.InexactFloat64()
	s.Last = c.OpenTime.UnixMilli()
	s.Count++

	if s.Count > 1 {
		switch {
		case price > s.PrevClose:
			s.Total += vol
		case price < s.PrevClose:
			s.Total -= vol
		}
	}
	s.PrevClose = price

	out := map[string]decimal.Decimal{"obv": dec(s.Total)}
	if s.MA == nil {
		return out, true
	}
	ma, ok := s.MA.Add(s.Total)
	if !ok {
		return out, true
	}
	out["ma"] = dec(ma)
	if s.MA.Type == MASMABB {
		band := s.MA.StdDev() * o.cfg.BBMult
		out["upper"] = dec(ma + band)
		out["lower"] = dec(ma - band)
	}
	return out, true
}

func (o *OBV) MarshalState() (json.RawMessage, error) { return json.Marshal(o.state) }

func (o *OBV) UnmarshalState(data json.RawMessage) error {
	var st obvState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("obv state: %w", err)
	}
	if (st.MA == nil) != (o.state.MA == nil) {
		return fmt.Errorf("obv state: moving average mismatch")
	}
	if st.MA != nil && (st.MA.Type != o.state.MA.Type || st.MA.Period != o.state.MA.Period) {
		return fmt.Errorf("obv state: moving average %s/%d, want %s/%d",
			st.MA.Type, st.MA.Period, o.state.MA.Type, o.state.MA.Period)
	}
	o.state = st
	return nil
}
