package indicator

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"ohlcsync/internal/model"

	"github.com/shopspring/decimal"
)

// CEConfig configures the Chandelier Exit trailing stop.
type CEConfig struct {
	Period     int
	Multiplier float64
	UseClose   bool // take extremes from closes instead of highs/lows
}

// Params returns the canonical parameter string for the point key.
func (c CEConfig) Params() string {
	return fmt.Sprintf("period=%d,mult=%g,close=%t", c.Period, c.Multiplier, c.UseClose)
}

// Direction of the Chandelier Exit trailing stop.
const (
	DirLong  = 1
	DirShort = -1
)

// Chandelier is the Chandelier Exit volatility trailing stop.
//
// ATR uses Wilder smoothing seeded by the mean of the first `period` true
// ranges. From candle period+1 on, each candle yields:
//
//	longStop  = highest(period) - ATR*mult, kept at max(longStop, prevLong) while close[1] > prevLong
//	shortStop = lowest(period)  + ATR*mult, kept at min(shortStop, prevShort) while close[1] < prevShort
//	dir       = close > prevShort ? long : close < prevLong ? short : prevDir
//
// A close exactly on a stop never flips direction. A buy signal fires on a
// short to long flip, a sell signal on long to short.
type Chandelier struct {
	cfg   CEConfig
	state ceState
}

type ceState struct {
	Count     int       `json:"count"`
	Highs     []float64 `json:"highs"`
	Lows      []float64 `json:"lows"`
	Idx       int       `json:"idx"`
	TRSum     float64   `json:"tr_sum"`
	ATR       float64   `json:"atr"`
	PrevClose float64   `json:"prev_close"`
	LongStop  float64   `json:"long_stop"`
	ShortStop float64   `json:"short_stop"`
	Dir       int       `json:"dir"`
	Last      int64     `json:"last"`
}

// NewChandelier creates a Chandelier Exit calculator.
func NewChandelier(cfg CEConfig) *Chandelier {
	return &Chandelier{
		cfg: cfg,
		state: ceState{
			Highs: make([]float64, cfg.Period),
			Lows:  make([]float64, cfg.Period),
			Dir:   DirLong,
		},
	}
}

func (ce *Chandelier) Kind() model.IndicatorKind { return model.KindCE }
func (ce *Chandelier) Params() string            { return ce.cfg.Params() }
func (ce *Chandelier) Last() time.Time           { return fromUnixMs(ce.state.Last) }

func (ce *Chandelier) Update(c model.Candle) (map[string]decimal.Decimal, bool) {
	s := &ce.state
	_, high, low, closePx, _ := c.OHLCV()
	p := ce.cfg.Period
	s.Last = c.OpenTime.UnixMilli()
	s.Count++

	tr := high - low
	if s.Count > 1 {
		tr = math.Max(tr, math.Max(math.Abs(high-s.PrevClose), math.Abs(low-s.PrevClose)))
	}
	prevClose := s.PrevClose
	s.PrevClose = closePx

	if ce.cfg.UseClose {
		s.Highs[s.Idx], s.Lows[s.Idx] = closePx, closePx
	} else {
		s.Highs[s.Idx], s.Lows[s.Idx] = high, low
	}
	s.Idx = (s.Idx + 1) % p

	switch {
	case s.Count < p:
		s.TRSum += tr
		return nil, false
	case s.Count == p:
		s.TRSum += tr
		s.ATR = s.TRSum / float64(p)
		return nil, false
	}
	s.ATR = (s.ATR*float64(p-1) + tr) / float64(p)

	band := s.ATR * ce.cfg.Multiplier
	longStop := maxOf(s.Highs) - band
	shortStop := minOf(s.Lows) + band

	prevDir := s.Dir
	if s.Count == p+1 {
		// first emission: raw stops, long bias
		s.Dir = DirLong
	} else {
		prevLong, prevShort := s.LongStop, s.ShortStop
		if prevClose > prevLong {
			longStop = math.Max(longStop, prevLong)
		}
		if prevClose < prevShort {
			shortStop = math.Min(shortStop, prevShort)
		}
		switch {
		case closePx > prevShort:
			s.Dir = DirLong
		case closePx < prevLong:
			s.Dir = DirShort
		}
	}
	s.LongStop, s.ShortStop = longStop, shortStop

	buy, sell := 0, 0
	if s.Count > p+1 {
		if s.Dir == DirLong && prevDir == DirShort {
			buy = 1
		}
		if s.Dir == DirShort && prevDir == DirLong {
			sell = 1
		}
	}

	return map[string]decimal.Decimal{
		"atr":         dec(s.ATR),
		"long_stop":   dec(longStop),
		"short_stop":  dec(shortStop),
		"direction":   decimal.NewFromInt(int64(s.Dir)),
		"buy_signal":  decimal.NewFromInt(int64(buy)),
		"sell_signal": decimal.NewFromInt(int64(sell)),
	}, true
}

func (ce *Chandelier) MarshalState() (json.RawMessage, error) { return json.Marshal(ce.state) }

func (ce *Chandelier) UnmarshalState(data json.RawMessage) error {
	var st ceState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("ce state: %w", err)
	}
	if len(st.Highs) != ce.cfg.Period || len(st.Lows) != ce.cfg.Period {
		return fmt.Errorf("ce state: window %d, want %d", len(st.Highs), ce.cfg.Period)
	}
	ce.state = st
	return nil
}

func maxOf(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		m = math.Max(m, x)
	}
	return m
}

func minOf(xs []float64) float64 {
	m := math.Inf(1)
	for _, x := range xs {
		m = math.Min(m, x)
	}
	return m
}
