// Package binance fetches klines from the Binance spot REST API.
//
// Response format (one array per candle):
//
//	[
//	  [1499040000000, "0.01634790", "0.80000000", "0.01575800", "0.01577100",
//	   "148976.11427815", 1499644799999, "2434.19055334", 308, ...]
//	]
package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ohlcsync/internal/marketdata/window"
	"ohlcsync/internal/model"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.binance.com"
	klinesPath     = "/api/v3/klines"
)

// Config holds the client knobs; zero values get defaults.
type Config struct {
	BaseURL    string
	RatePerMin int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client implements model.Source.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 1200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	every := time.Minute / time.Duration(cfg.RatePerMin)
	return &Client{
		base:    cfg.BaseURL,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Every(every), 10),
		timeout: cfg.Timeout,
		logger:  slog.Default().With("source", "binance"),
	}
}

// apiError is the body Binance sends with 4xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// FetchCandles returns the candles opening in [start, end), ascending.
// Requests are paged at window.MaxPerRequest candles. A row with an
// unparsable or non-finite value stops the fetch: the candles before it are
// returned with a *model.CandleError indexed into that prefix.
func (c *Client) FetchCandles(ctx context.Context, series model.SeriesKey, start, end time.Time) ([]model.Candle, error) {
	r := window.Range{Timeframe: series.Timeframe, Start: start, End: end}
	var out []model.Candle
	for _, page := range r.Split(window.MaxPerRequest) {
		batch, err := c.fetchPage(ctx, series, page)
		for _, k := range batch {
			if k.OpenTime.Before(start) || !k.OpenTime.Before(end) {
				continue
			}
			if n := len(out); n > 0 && !k.OpenTime.After(out[n-1].OpenTime) {
				continue
			}
			out = append(out, k)
		}
		if err != nil {
			var ce *model.CandleError
			if errors.As(err, &ce) {
				ce.Index = len(out)
			}
			return out, err
		}
	}
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, series model.SeriesKey, page window.Range) ([]model.Candle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", series.Symbol)
	q.Set("interval", string(series.Timeframe))
	q.Set("startTime", strconv.FormatInt(page.Start.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(page.End.UnixMilli()-1, 10))
	q.Set("limit", strconv.Itoa(window.MaxPerRequest))

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.base+klinesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSourceRejected, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceUnavailable, series, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", model.ErrSourceUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode klines: %v", model.ErrSourceRejected, err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		k, err := parseKline(series, row)
		if errors.Is(err, errBadValue) {
			c.logger.Warn("invalid kline, page truncated",
				"series", series.String(), "row", i, "error", err.Error())
			return candles, &model.CandleError{Index: i, OpenTime: k.OpenTime, Reason: err.Error()}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", model.ErrSourceRejected, i, err)
		}
		candles = append(candles, k)
	}

	c.logger.Debug("klines page fetched",
		"series", series.String(), "start", page.Start, "count", len(candles))
	return candles, nil
}

// classifyStatus maps throttling and server errors to ErrSourceUnavailable
// and every other non-200 to ErrSourceRejected.
func classifyStatus(status int, body []byte) error {
	var ae apiError
	msg := string(body)
	if json.Unmarshal(body, &ae) == nil && ae.Msg != "" {
		msg = fmt.Sprintf("code %d: %s", ae.Code, ae.Msg)
	}
	if status == http.StatusTooManyRequests || status == http.StatusTeapot || status >= 500 {
		return fmt.Errorf("%w: status %d: %s", model.ErrSourceUnavailable, status, msg)
	}
	return fmt.Errorf("%w: status %d: %s", model.ErrSourceRejected, status, msg)
}

// errBadValue marks a well-formed row whose price or volume is not a finite
// number.
var errBadValue = errors.New("bad value")

// parseKline decodes one row. On errBadValue the returned candle carries the
// open time only.
func parseKline(series model.SeriesKey, row []json.RawMessage) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}
	var openMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return model.Candle{}, fmt.Errorf("open time: %w", err)
	}
	k := model.Candle{
		Symbol:    series.Symbol,
		Timeframe: series.Timeframe,
		OpenTime:  time.UnixMilli(openMs).UTC(),
	}
	var vals [5]decimal.Decimal
	for i := range vals {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return k, fmt.Errorf("%w: field %d %q", errBadValue, i+1, s)
		}
		vals[i] = d
	}
	k.Open, k.High, k.Low, k.Close, k.Volume = vals[0], vals[1], vals[2], vals[3], vals[4]
	return k, nil
}
