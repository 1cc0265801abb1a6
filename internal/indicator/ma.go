package indicator

import (
	"fmt"
	"math"
	"strings"
)

// MAType selects the secondary moving average applied over an indicator series.
type MAType string

const (
	MANone  MAType = "none"
	MASMA   MAType = "sma"
	MAEMA   MAType = "ema"
	MASMMA  MAType = "smma"
	MAWMA   MAType = "wma"
	MASMABB MAType = "sma_bb" // SMA with ± k standard deviation bands
)

// ParseMAType accepts the short names plus the long display names
// ("SMA + Bollinger Bands", "SMMA (RMA)").
func ParseMAType(s string) (MAType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return MANone, nil
	case "sma":
		return MASMA, nil
	case "ema":
		return MAEMA, nil
	case "smma", "rma", "smma (rma)":
		return MASMMA, nil
	case "wma":
		return MAWMA, nil
	case "sma_bb", "bb", "sma + bollinger bands":
		return MASMABB, nil
	}
	return "", fmt.Errorf("unknown moving average type %q", s)
}

// MA is a moving average over a float series. Fields are exported so the
// running state round-trips through JSON exactly.
//
// Warm-up: no value until Period inputs have been seen. EMA and SMMA seed
// with the simple average of the first Period inputs.
type MA struct {
	Type   MAType    `json:"type"`
	Period int       `json:"period"`
	Count  int       `json:"count"`
	Sum    float64   `json:"sum"`
	Value  float64   `json:"value"`
	Buf    []float64 `json:"buf,omitempty"` // ring buffer, windowed types only
	Idx    int       `json:"idx,omitempty"`
}

// NewMA creates a moving average of the given type and period.
func NewMA(t MAType, period int) *MA {
	m := &MA{Type: t, Period: period}
	if m.windowed() {
		m.Buf = make([]float64, period)
	}
	return m
}

func (m *MA) windowed() bool {
	return m.Type == MASMA || m.Type == MAWMA || m.Type == MASMABB
}

// Ready reports whether the warm-up is complete.
func (m *MA) Ready() bool { return m.Count >= m.Period }

// Add feeds x and returns the current average once ready.
func (m *MA) Add(x float64) (float64, bool) {
	m.Count++
	p := float64(m.Period)

	if m.windowed() {
		if m.Count > m.Period {
			m.Sum -= m.Buf[m.Idx]
		}
		m.Buf[m.Idx] = x
		m.Sum += x
		m.Idx = (m.Idx + 1) % m.Period
		if !m.Ready() {
			return 0, false
		}
		if m.Type == MAWMA {
			m.Value = m.weighted()
		} else {
			m.Value = m.Sum / p
		}
		return m.Value, true
	}

	if m.Count <= m.Period {
		// Accumulate for the SMA seed
		m.Sum += x
		if m.Count == m.Period {
			m.Value = m.Sum / p
			return m.Value, true
		}
		return 0, false
	}

	switch m.Type {
	case MASMMA:
		m.Value = (m.Value*(p-1) + x) / p
	default:
		k := 2.0 / (p + 1)
		m.Value = x*k + m.Value*(1-k)
	}
	return m.Value, true
}

// weighted computes a linearly weighted average, newest input weighted Period.
func (m *MA) weighted() float64 {
	var num, den float64
	for i := 0; i < m.Period; i++ {
		// oldest sits at Idx once the buffer is full
		v := m.Buf[(m.Idx+i)%m.Period]
		w := float64(i + 1)
		num += v * w
		den += w
	}
	return num / den
}

// StdDev returns the sample standard deviation of the current window.
func (m *MA) StdDev() float64 {
	if !m.windowed() || m.Period < 2 || !m.Ready() {
		return 0
	}
	mean := m.Sum / float64(m.Period)
	var ss float64
	for _, v := range m.Buf {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(m.Period-1))
}
