// Package pattern classifies candlestick shapes from the trailing one to
// three closed candles.
package pattern

import (
	"math"

	"ohlcsync/internal/model"
)

// Shape labels stored on the candle row. None is the empty label.
const (
	None             = ""
	Doji             = "doji"
	Hammer           = "hammer"
	InvertedHammer   = "inverted-hammer"
	ShootingStar     = "shooting-star"
	HangingMan       = "hanging-man"
	BullishMarubozu  = "bullish-marubozu"
	BearishMarubozu  = "bearish-marubozu"
	BullishEngulfing = "bullish-engulfing"
	BearishEngulfing = "bearish-engulfing"
	BullishHarami    = "bullish-harami"
	BearishHarami    = "bearish-harami"
	TweezerTop       = "tweezer-top"
	TweezerBottom    = "tweezer-bottom"
	MorningStar      = "morning-star"
	EveningStar      = "evening-star"
)

// Shape thresholds, as fractions of the candle's high-low range unless noted.
const (
	dojiBody        = 0.1
	longWick        = 0.6
	smallBody       = 0.3
	marubozuBody    = 0.8
	marubozuWick    = 0.1
	strongBody      = 0.5
	secondWick      = 0.3
	engulfFactor    = 1.5 // current body vs previous body
	haramiMotherMin = 0.6 // previous body ratio
	haramiChildMax  = 0.5 // current body vs previous body
	tweezerTol      = 0.1
	starBodyMax     = 0.3 // middle body vs first body
)

type shape struct {
	open, high, low, close float64
	body, rng              float64
	upper, lower           float64
}

func newShape(c model.Candle) shape {
	o, h, l, cl, _ := c.OHLCV()
	s := shape{open: o, high: h, low: l, close: cl}
	s.body = math.Abs(cl - o)
	s.rng = h - l
	s.upper = h - math.Max(o, cl)
	s.lower = math.Min(o, cl) - l
	return s
}

func (s shape) bullish() bool { return s.close > s.open }

func (s shape) ratio(x float64) float64 {
	if s.rng == 0 {
		return math.NaN()
	}
	return x / s.rng
}

func (s shape) bodyTop() float64    { return math.Max(s.open, s.close) }
func (s shape) bodyBottom() float64 { return math.Min(s.open, s.close) }

// Classify labels the last candle of window using up to two preceding
// candles as context. Priority: three-candle patterns, then two-candle
// (engulfing, harami, tweezer), then single-candle shapes.
func Classify(window []model.Candle) string {
	n := len(window)
	if n == 0 {
		return None
	}
	if n > 3 {
		window = window[n-3:]
		n = 3
	}
	cur := newShape(window[n-1])

	if n == 3 {
		if l := three(newShape(window[0]), newShape(window[1]), cur); l != None {
			return l
		}
	}
	if n >= 2 {
		if l := two(newShape(window[n-2]), cur); l != None {
			return l
		}
	}
	return single(cur)
}

func single(s shape) string {
	// zero-range candles have NaN ratios and match nothing
	if s.body < s.rng*dojiBody {
		return Doji
	}
	body, upper, lower := s.ratio(s.body), s.ratio(s.upper), s.ratio(s.lower)
	if s.bullish() {
		switch {
		case lower > longWick && body < smallBody:
			return Hammer
		case body > marubozuBody && upper < marubozuWick && lower < marubozuWick:
			return BullishMarubozu
		case body > strongBody && lower > secondWick:
			return InvertedHammer
		}
		return None
	}
	switch {
	case upper > longWick && body < smallBody:
		return ShootingStar
	case body > marubozuBody && upper < marubozuWick && lower < marubozuWick:
		return BearishMarubozu
	case body > strongBody && upper > secondWick:
		return HangingMan
	}
	return None
}

func two(prev, cur shape) string {
	switch {
	case prev.bullish() && !cur.bullish() &&
		cur.close < prev.open && cur.open > prev.close && cur.body > prev.body*engulfFactor:
		return BearishEngulfing
	case !prev.bullish() && cur.bullish() &&
		cur.close > prev.open && cur.open < prev.close && cur.body > prev.body*engulfFactor:
		return BullishEngulfing
	}

	if prev.ratio(prev.body) > haramiMotherMin && cur.body > 0 && cur.body < prev.body*haramiChildMax &&
		cur.bodyTop() <= prev.bodyTop() && cur.bodyBottom() >= prev.bodyBottom() {
		switch {
		case !prev.bullish() && cur.bullish():
			return BullishHarami
		case prev.bullish() && !cur.bullish():
			return BearishHarami
		}
	}

	switch {
	case prev.bullish() && !cur.bullish() && math.Abs(prev.high-cur.high) < cur.rng*tweezerTol:
		return TweezerTop
	case !prev.bullish() && cur.bullish() && math.Abs(prev.low-cur.low) < cur.rng*tweezerTol:
		return TweezerBottom
	}
	return None
}

func three(first, mid, cur shape) string {
	switch {
	case !first.bullish() && !mid.bullish() && cur.bullish() &&
		cur.close > mid.open && mid.body < first.body*starBodyMax:
		return MorningStar
	case first.bullish() && mid.bullish() && !cur.bullish() &&
		cur.close < mid.open && mid.body < first.body*starBodyMax:
		return EveningStar
	}
	return None
}
