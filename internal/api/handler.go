package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ohlcsync/config"
	"ohlcsync/internal/gateway"
	"ohlcsync/internal/indicator"
	"ohlcsync/internal/model"
	"ohlcsync/internal/pipeline"
	redisstore "ohlcsync/internal/store/redis"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const (
	defaultLimit = 500
	maxLimit     = 5000
)

// Store is the read side the API serves from.
type Store interface {
	model.Store
	model.Catalog
}

// Syncer runs on-demand syncs.
type Syncer interface {
	RunSync(ctx context.Context, req pipeline.Request) pipeline.Summary
}

// Options holds the optional collaborators of a Handler.
type Options struct {
	Notifier      gateway.Notifier   // receives summaries of on-demand syncs
	Latest        *redisstore.Reader // serves /v1/latest from Redis when set
	RSIOverbought float64            // default 70
	RSIOversold   float64            // default 30
	Now           func() time.Time
}

// Handler serves the read and sync endpoints.
type Handler struct {
	store  Store
	syncer Syncer
	opts   Options
}

// NewHandler creates a Handler.
func NewHandler(store Store, syncer Syncer, opts Options) *Handler {
	if opts.RSIOverbought == 0 {
		opts.RSIOverbought = 70
	}
	if opts.RSIOversold == 0 {
		opts.RSIOversold = 30
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{store: store, syncer: syncer, opts: opts}
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error()})
}

// seriesParam reads :symbol and :timeframe.
func seriesParam(c *gin.Context) (model.SeriesKey, error) {
	tf, err := model.ParseTimeframe(c.Param("timeframe"))
	if err != nil {
		return model.SeriesKey{}, err
	}
	sym := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if sym == "" {
		return model.SeriesKey{}, errors.New("symbol is required")
	}
	return model.SeriesKey{Symbol: sym, Timeframe: tf}, nil
}

type window struct {
	start, end time.Time
	limit      int
	fromEnd    bool // no start given: keep the newest rows
}

func windowQuery(c *gin.Context) (window, error) {
	w := window{limit: defaultLimit, fromEnd: true}
	if s := c.Query("start"); s != "" {
		t, err := config.ParseTime(s)
		if err != nil {
			return w, err
		}
		w.start, w.fromEnd = t, false
	}
	if s := c.Query("end"); s != "" {
		t, err := config.ParseTime(s)
		if err != nil {
			return w, err
		}
		w.end = t
	}
	if !w.start.IsZero() && !w.end.IsZero() && !w.start.Before(w.end) {
		return w, errors.New("start must be before end")
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return w, errors.New("limit must be a positive integer")
		}
		w.limit = min(n, maxLimit)
	}
	return w, nil
}

func trim[T any](rows []T, w window) []T {
	if len(rows) <= w.limit {
		return rows
	}
	if w.fromEnd {
		return rows[len(rows)-w.limit:]
	}
	return rows[:w.limit]
}

// values renders stored values, adding the RSI zone derived at read time.
func (h *Handler) values(kind model.IndicatorKind, vals map[string]decimal.Decimal) map[string]any {
	out := make(map[string]any, len(vals)+1)
	for k, v := range vals {
		out[k] = v
	}
	if kind == model.KindRSI {
		if v, ok := vals["value"]; ok {
			out["zone"] = h.rsiZone(v.InexactFloat64())
		}
	}
	return out
}

func (h *Handler) rsiZone(v float64) string {
	switch indicator.Zone(v, h.opts.RSIOverbought, h.opts.RSIOversold) {
	case 1:
		return "overbought"
	case -1:
		return "oversold"
	default:
		return "neutral"
	}
}

// GetOHLC serves candles joined with their indicator values.
func (h *Handler) GetOHLC(c *gin.Context) {
	series, err := seriesParam(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	w, err := windowQuery(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()

	candles, err := h.store.ReadRange(ctx, series, w.start, w.end)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	candles = trim(candles, w)

	resp := OHLCResponse{Symbol: series.Symbol, Timeframe: series.Timeframe, Candles: make([]CandleOut, len(candles))}
	if len(candles) == 0 {
		c.JSON(http.StatusOK, resp)
		return
	}

	byTS := make(map[int64]int, len(candles))
	now := h.opts.Now()
	for i, cd := range candles {
		byTS[cd.OpenTime.UnixMilli()] = i
		resp.Candles[i] = CandleOut{
			OpenTime: cd.OpenTime, Open: cd.Open, High: cd.High, Low: cd.Low,
			Close: cd.Close, Volume: cd.Volume, Pattern: cd.Pattern,
			Closed: series.Timeframe.ClosedAt(cd.OpenTime, now),
		}
	}

	from := candles[0].OpenTime
	to := series.Timeframe.Next(candles[len(candles)-1].OpenTime)
	for _, kind := range model.AllKinds {
		params, err := h.store.IndicatorParams(ctx, kind, series)
		if err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
		for _, p := range params {
			points, err := h.store.ReadIndicatorPoints(ctx, kind, series, p, from, to)
			if err != nil {
				abort(c, http.StatusInternalServerError, err)
				return
			}
			for _, pt := range points {
				i, ok := byTS[pt.TS.UnixMilli()]
				if !ok {
					continue
				}
				row := &resp.Candles[i]
				if row.Indicators == nil {
					row.Indicators = make(map[model.IndicatorKind]map[string]map[string]any)
				}
				if row.Indicators[kind] == nil {
					row.Indicators[kind] = make(map[string]map[string]any)
				}
				row.Indicators[kind][p] = h.values(kind, pt.Values)
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetIndicators serves the points of one family, optionally one params set.
func (h *Handler) GetIndicators(c *gin.Context) {
	kind, ok := model.ParseKind(strings.ToLower(c.Param("kind")))
	if !ok {
		abort(c, http.StatusNotFound, errors.New("unknown indicator "+c.Param("kind")))
		return
	}
	series, err := seriesParam(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	w, err := windowQuery(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()

	var params []string
	if p := c.Query("params"); p != "" {
		params = []string{p}
	} else if params, err = h.store.IndicatorParams(ctx, kind, series); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}

	resp := IndicatorResponse{Kind: kind, Symbol: series.Symbol, Timeframe: series.Timeframe, Series: []ParamSeries{}}
	for _, p := range params {
		points, err := h.store.ReadIndicatorPoints(ctx, kind, series, p, w.start, w.end)
		if err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
		points = trim(points, w)
		ps := ParamSeries{Params: p, Points: make([]PointOut, len(points))}
		for i, pt := range points {
			ps.Points[i] = PointOut{TS: pt.TS, Values: h.values(kind, pt.Values)}
		}
		resp.Series = append(resp.Series, ps)
	}
	c.JSON(http.StatusOK, resp)
}

// GetLatest serves the newest candle and indicator values, from Redis when
// configured and from the store otherwise.
func (h *Handler) GetLatest(c *gin.Context) {
	series, err := seriesParam(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()
	resp := LatestResponse{Indicators: make(map[model.IndicatorKind]map[string]map[string]any)}

	if h.opts.Latest != nil {
		resp.Source = "redis"
		if resp.Candle, err = h.opts.Latest.LatestCandle(ctx, series); err != nil {
			abort(c, http.StatusBadGateway, err)
			return
		}
		for _, kind := range model.AllKinds {
			points, err := h.opts.Latest.LatestPoints(ctx, kind, series)
			if err != nil {
				abort(c, http.StatusBadGateway, err)
				return
			}
			h.addLatest(resp.Indicators, kind, points)
		}
	} else {
		resp.Source = "store"
		if resp.Candle, err = h.store.LastCandle(ctx, series); err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
		if resp.Candle != nil {
			before := series.Timeframe.Next(resp.Candle.OpenTime)
			for _, kind := range model.AllKinds {
				params, err := h.store.IndicatorParams(ctx, kind, series)
				if err != nil {
					abort(c, http.StatusInternalServerError, err)
					return
				}
				var points []model.IndicatorPoint
				for _, p := range params {
					pt, err := h.store.LastIndicatorState(ctx, kind, series, p, before)
					if err != nil {
						abort(c, http.StatusInternalServerError, err)
						return
					}
					if pt != nil {
						points = append(points, *pt)
					}
				}
				h.addLatest(resp.Indicators, kind, points)
			}
		}
	}

	if resp.Candle == nil {
		abort(c, http.StatusNotFound, errors.New("no data for "+series.String()))
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) addLatest(dst map[model.IndicatorKind]map[string]map[string]any, kind model.IndicatorKind, points []model.IndicatorPoint) {
	if len(points) == 0 {
		return
	}
	m := make(map[string]map[string]any, len(points))
	for _, p := range points {
		v := h.values(kind, p.Values)
		v["ts"] = p.TS
		m[p.Params] = v
	}
	dst[kind] = m
}

// ListSeries lists every stored series.
func (h *Handler) ListSeries(c *gin.Context) {
	keys, err := h.store.Series(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if keys == nil {
		keys = []model.SeriesKey{}
	}
	c.JSON(http.StatusOK, gin.H{"series": keys})
}

// PostSync runs a sync on demand and answers with its summary.
// 200 when every pair succeeded, 207 on partial failure; when every pair
// failed, 400 for bad ranges and 502 otherwise.
func (h *Handler) PostSync(c *gin.Context) {
	var body SyncBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}
	if s := c.Param("symbol"); s != "" {
		body.Symbols = []string{s}
	}
	if tf := c.Param("timeframe"); tf != "" {
		body.Timeframes = []string{tf}
	}

	req, err := body.request()
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	sum := h.syncer.RunSync(c.Request.Context(), req)
	if h.opts.Notifier != nil {
		h.opts.Notifier.Notify(context.WithoutCancel(c.Request.Context()), sum)
	}
	c.JSON(syncStatus(sum), sum)
}

func (b SyncBody) request() (pipeline.Request, error) {
	var req pipeline.Request
	for _, s := range b.Symbols {
		req.Symbols = append(req.Symbols, strings.ToUpper(s))
	}
	for _, s := range b.Timeframes {
		tf, err := model.ParseTimeframe(s)
		if err != nil {
			return req, err
		}
		req.Timeframes = append(req.Timeframes, tf)
	}
	if b.Start != "" {
		t, err := config.ParseTime(b.Start)
		if err != nil {
			return req, err
		}
		req.Start = &t
	}
	if b.End != "" {
		t, err := config.ParseTime(b.End)
		if err != nil {
			return req, err
		}
		req.End = &t
	}
	if req.Start != nil && req.End != nil && !req.Start.Before(*req.End) {
		return req, errors.New("start must be before end")
	}
	if b.Indicators != "" {
		sel, err := pipeline.ParseSelection(b.Indicators)
		if err != nil {
			return req, err
		}
		req.Indicators = sel
	}
	req.SkipOHLC, req.SkipIndicators = b.SkipOHLC, b.SkipIndicators
	if req.SkipOHLC && req.SkipIndicators {
		return req, errors.New("skip_ohlc and skip_indicators leave nothing to do")
	}
	return req, nil
}

func syncStatus(sum pipeline.Summary) int {
	if sum.Errors == 0 {
		return http.StatusOK
	}
	if sum.Errors < len(sum.Pairs) {
		return http.StatusMultiStatus
	}
	for _, p := range sum.Pairs {
		if !errors.Is(p.Err, model.ErrInvalidRange) {
			return http.StatusBadGateway
		}
	}
	return http.StatusBadRequest
}
