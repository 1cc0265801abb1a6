package api

import (
	"time"

	"ohlcsync/internal/model"

	"github.com/shopspring/decimal"
)

// CandleOut is one row of GET /v1/ohlc: the candle, its pattern label and
// every stored indicator value at the same open time, keyed kind -> params.
type CandleOut struct {
	OpenTime   time.Time                                        `json:"open_time"`
	Open       decimal.Decimal                                  `json:"open"`
	High       decimal.Decimal                                  `json:"high"`
	Low        decimal.Decimal                                  `json:"low"`
	Close      decimal.Decimal                                  `json:"close"`
	Volume     decimal.Decimal                                  `json:"volume"`
	Pattern    string                                           `json:"pattern,omitempty"`
	Closed     bool                                             `json:"closed"`
	Indicators map[model.IndicatorKind]map[string]map[string]any `json:"indicators,omitempty"`
}

// OHLCResponse is the body of GET /v1/ohlc/:symbol/:timeframe.
type OHLCResponse struct {
	Symbol    string          `json:"symbol"`
	Timeframe model.Timeframe `json:"timeframe"`
	Candles   []CandleOut     `json:"candles"`
}

// PointOut is one indicator row.
type PointOut struct {
	TS     time.Time      `json:"ts"`
	Values map[string]any `json:"values"`
}

// ParamSeries holds the points of one parameter set.
type ParamSeries struct {
	Params string     `json:"params"`
	Points []PointOut `json:"points"`
}

// IndicatorResponse is the body of GET /v1/indicators/:kind/:symbol/:timeframe.
type IndicatorResponse struct {
	Kind      model.IndicatorKind `json:"kind"`
	Symbol    string              `json:"symbol"`
	Timeframe model.Timeframe     `json:"timeframe"`
	Series    []ParamSeries       `json:"series"`
}

// LatestResponse is the body of GET /v1/latest/:symbol/:timeframe.
type LatestResponse struct {
	Source     string                                           `json:"source"` // "redis" or "store"
	Candle     *model.Candle                                    `json:"candle"`
	Indicators map[model.IndicatorKind]map[string]map[string]any `json:"indicators,omitempty"`
}

// SyncBody is the optional JSON body of POST /v1/sync. Path parameters,
// when present, override Symbols and Timeframes.
type SyncBody struct {
	Symbols        []string `json:"symbols" binding:"omitempty,dive,required,alphanum"`
	Timeframes     []string `json:"timeframes" binding:"omitempty,dive,required"`
	Start          string   `json:"start"`
	End            string   `json:"end"`
	Indicators     string   `json:"indicators"`
	SkipOHLC       bool     `json:"skip_ohlc"`
	SkipIndicators bool     `json:"skip_indicators"`
}

// ErrorResponse is returned with every 4xx and 5xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}
