// Package pipeline runs sync cycles: for each (symbol, timeframe) pair it
// resolves the fetch window, pulls candles from the source, reconciles them
// into the store, labels patterns and recomputes indicators.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ohlcsync/internal/indicator"
	"ohlcsync/internal/logger"
	"ohlcsync/internal/marketdata/reconcile"
	"ohlcsync/internal/marketdata/window"
	"ohlcsync/internal/metrics"
	"ohlcsync/internal/model"
	"ohlcsync/internal/pattern"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Config holds the defaults and limits of a Service.
type Config struct {
	Symbols      []string
	Timeframes   []model.Timeframe
	DefaultStart time.Time

	Workers      int           // pairs synced concurrently
	StoreTimeout time.Duration // bound on each storage call
	LockTimeout  time.Duration // bound on waiting for a pair's lock
	FetchTimeout time.Duration // bound on each fetch attempt
	MaxRetries   int           // retries after the first fetch attempt
	RetryBase    time.Duration // first backoff delay, doubled per retry
	MaxBackoff   time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 30 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Deps are the collaborators a Service drives. Locker, Publisher and
// Metrics are optional.
type Deps struct {
	Store     model.Store
	Source    model.Source
	Engine    *indicator.Engine
	Locker    model.Locker
	Publisher model.Publisher
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Service is the single entry point the CLI, scheduler and API drive.
type Service struct {
	cfg        Config
	store      model.Store
	source     model.Source
	engine     *indicator.Engine
	reconciler *reconcile.Reconciler
	labeler    *pattern.Labeler
	locker     model.Locker
	publisher  model.Publisher
	prom       *metrics.Metrics
	now        func() time.Time
}

// New creates a Service.
func New(cfg Config, d Deps) *Service {
	cfg.setDefaults()
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Locker == nil {
		d.Locker = NewMutexLocker()
	}
	if d.Engine == nil {
		d.Engine = indicator.NewEngine(d.Store, indicator.DefaultConfig(),
			indicator.WithClock(d.Now), indicator.WithStoreTimeout(cfg.StoreTimeout))
	}
	return &Service{
		cfg:        cfg,
		store:      d.Store,
		source:     d.Source,
		engine:     d.Engine,
		reconciler: reconcile.New(d.Store),
		labeler:    pattern.NewLabeler(d.Store, d.Now, cfg.StoreTimeout),
		locker:     d.Locker,
		publisher:  d.Publisher,
		prom:       d.Metrics,
		now:        d.Now,
	}
}

// Request selects what one RunSync call does. Empty Symbols or Timeframes
// fall back to the configured ones.
type Request struct {
	Symbols        []string          `json:"symbols,omitempty"`
	Timeframes     []model.Timeframe `json:"timeframes,omitempty"`
	Start          *time.Time        `json:"start,omitempty"`
	End            *time.Time        `json:"end,omitempty"`
	Indicators     Selection         `json:"-"`
	SkipOHLC       bool              `json:"skip_ohlc,omitempty"`
	SkipIndicators bool              `json:"skip_indicators,omitempty"`
}

// PairSummary is the outcome of one pair's cycle.
type PairSummary struct {
	Series    model.SeriesKey             `json:"series"`
	Start     *time.Time                  `json:"start,omitempty"`
	End       *time.Time                  `json:"end,omitempty"`
	Fetched   int                         `json:"fetched"`
	Inserted  int                         `json:"inserted"`
	Updated   int                         `json:"updated"`
	Unchanged int                         `json:"unchanged"`
	Gaps      int                         `json:"gaps"`
	Patterns  int                         `json:"patterns"`
	Points    int                         `json:"points"`
	ByKind    map[model.IndicatorKind]int `json:"by_kind,omitempty"`
	Retries   int                         `json:"retries"`
	Duration  time.Duration               `json:"duration_ns"`
	Error     string                      `json:"error,omitempty"`
	Err       error                       `json:"-"`
}

// Summary aggregates a RunSync call.
type Summary struct {
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
	Pairs              []PairSummary `json:"pairs"`
	CandlesWritten     int           `json:"candles_written"`
	IndicatorsComputed int           `json:"indicators_computed"`
	Errors             int           `json:"errors"`
}

// Err joins the per-pair errors, nil when every pair succeeded.
func (s Summary) Err() error {
	var errs []error
	for _, p := range s.Pairs {
		if p.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Series, p.Err))
		}
	}
	return errors.Join(errs...)
}

// RunSync runs one cycle for every requested pair. Pairs run concurrently up
// to the worker limit; a failing pair never affects the others. Cancelling
// ctx stops pairs that have not started yet.
func (s *Service) RunSync(ctx context.Context, req Request) Summary {
	sum := Summary{StartedAt: s.now()}

	symbols := req.Symbols
	if len(symbols) == 0 {
		symbols = s.cfg.Symbols
	}
	tfs := req.Timeframes
	if len(tfs) == 0 {
		tfs = s.cfg.Timeframes
	}

	var pairs []model.SeriesKey
	seen := make(map[model.SeriesKey]bool)
	for _, sym := range symbols {
		for _, tf := range tfs {
			k := model.SeriesKey{Symbol: sym, Timeframe: tf}
			if !seen[k] {
				seen[k] = true
				pairs = append(pairs, k)
			}
		}
	}

	results := make([]PairSummary, len(pairs))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, series := range pairs {
		if err := ctx.Err(); err != nil {
			results[i] = PairSummary{Series: series, Err: err, Error: err.Error()}
			continue
		}
		g.Go(func() error {
			results[i] = s.syncPair(ctx, series, req)
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		sum.CandlesWritten += r.Inserted + r.Updated
		sum.IndicatorsComputed += r.Points
		if r.Err != nil {
			sum.Errors++
		}
	}
	sum.Pairs = results
	sum.FinishedAt = s.now()
	slog.Info("sync run finished",
		"pairs", len(pairs), "candles_written", sum.CandlesWritten,
		"indicators", sum.IndicatorsComputed, "errors", sum.Errors,
		"took", sum.FinishedAt.Sub(sum.StartedAt).String())
	return sum
}

// syncPair runs resolve, fetch, reconcile, classify and indicate for one pair
// while holding its lock.
func (s *Service) syncPair(ctx context.Context, series model.SeriesKey, req Request) (ps PairSummary) {
	started := time.Now()
	ps.Series = series
	token := series.String()
	if parent := logger.TraceID(ctx); parent != "" {
		token = parent + "/" + token
	}
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(token, started))
	ctx = logger.WithSeries(ctx, series.String())
	log := logger.From(ctx)

	defer func() {
		ps.Duration = time.Since(started)
		if ps.Err != nil {
			ps.Error = ps.Err.Error()
			log.Error("sync cycle failed", slog.String("error", ps.Error))
		} else {
			log.Info("sync cycle done",
				"inserted", ps.Inserted, "updated", ps.Updated, "patterns", ps.Patterns,
				"points", ps.Points, "took", ps.Duration.String())
		}
		s.observe(ps)
	}()

	if ctx.Err() != nil {
		ps.Err = ctx.Err()
		return
	}
	if !series.Timeframe.Valid() {
		ps.Err = fmt.Errorf("%w: unknown timeframe %q", model.ErrInvalidRange, series.Timeframe)
		return
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	unlock, err := s.locker.Lock(lctx, series.String())
	cancel()
	if err != nil {
		ps.Err = fmt.Errorf("lock: %w", err)
		return
	}
	defer unlock()

	sel := req.Indicators
	if sel.Empty() && !req.SkipIndicators {
		sel = All()
	}

	var t0 *time.Time
	var labelFrom time.Time
	var applyErr error

	if req.SkipOHLC {
		if req.Start != nil {
			t := series.Timeframe.Floor(*req.Start)
			t0, labelFrom = &t, t
		}
	} else {
		res, err := s.ingest(ctx, series, req, &ps)
		if err != nil && !errors.Is(err, model.ErrInvalidCandle) {
			ps.Err = err
			return
		}
		// an invalid candle still leaves a committed prefix to derive from
		applyErr = err
		t0 = res.EarliestTouched
		labelFrom = earliest(res.EarliestTouched, res.PrevTail)
		if labelFrom.IsZero() {
			// nothing stored for this pair
			ps.Err = applyErr
			return
		}
	}

	if sel.Patterns {
		n, err := s.labeler.Label(ctx, series, labelFrom)
		if err != nil {
			ps.Err = fmt.Errorf("patterns: %w", err)
			return
		}
		ps.Patterns = n
	}

	if !req.SkipIndicators && len(sel.Kinds) > 0 {
		rep, err := s.engine.Run(ctx, series, t0, sel.Kinds)
		ps.Points, ps.ByKind = rep.Points, rep.ByKind
		if s.publisher != nil && len(rep.Latest) > 0 {
			s.publisher.PublishPoints(ctx, rep.Latest)
		}
		if err != nil {
			ps.Err = fmt.Errorf("indicators: %w", err)
			return
		}
	}

	ps.Err = applyErr
	return
}

// ingest resolves the window, fetches it and reconciles the batch.
func (s *Service) ingest(ctx context.Context, series model.SeriesKey, req Request, ps *PairSummary) (reconcile.Result, error) {
	var res reconcile.Result

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	last, err := s.store.LastCandle(sctx, series)
	cancel()
	if err != nil {
		return res, fmt.Errorf("last candle: %w", err)
	}

	in := window.Input{
		Timeframe:    series.Timeframe,
		DefaultStart: s.cfg.DefaultStart,
		Start:        req.Start,
		End:          req.End,
		Now:          s.now(),
	}
	if last != nil {
		t := last.OpenTime
		in.Last = &t
	}
	rng, err := window.Resolve(in)
	if err != nil {
		return res, err
	}
	ps.Start, ps.End = &rng.Start, &rng.End
	if rng.Empty() {
		if last != nil {
			t := last.OpenTime
			res.PrevTail = &t
		}
		return res, nil
	}

	// An invalid candle at the source still hands over the prefix before it.
	candles, fetchErr := s.fetch(ctx, series, rng, ps)
	if fetchErr != nil && !errors.Is(fetchErr, model.ErrInvalidCandle) {
		return res, fetchErr
	}
	ps.Fetched = len(candles)

	// Reconciliation is not interrupted by cancellation, only by its timeout.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()
	res, err = s.reconciler.Apply(actx, series, candles)
	if err == nil {
		err = fetchErr
	}
	ps.Inserted, ps.Updated, ps.Unchanged, ps.Gaps = res.Inserted, res.Updated, res.Unchanged, res.Gaps

	if s.publisher != nil && res.Written() > 0 && len(candles) > 0 {
		n := len(candles)
		if err != nil {
			var ce *model.CandleError
			if errors.As(err, &ce) && ce.Index < n {
				n = ce.Index
			}
		}
		if n > 0 {
			s.publisher.PublishCandle(ctx, candles[n-1])
		}
	}
	return res, err
}

// fetch pulls the range from the source, retrying transient failures with
// exponential backoff.
func (s *Service) fetch(ctx context.Context, series model.SeriesKey, rng window.Range, ps *PairSummary) ([]model.Candle, error) {
	b := retry.NewExponential(s.cfg.RetryBase)
	b = retry.WithCappedDuration(s.cfg.MaxBackoff, b)
	b = retry.WithMaxRetries(uint64(s.cfg.MaxRetries), b)

	var candles []model.Candle
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			ps.Retries++
			if s.prom != nil {
				s.prom.FetchRetries.Inc()
			}
		}
		fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()

		began := time.Now()
		out, err := s.source.FetchCandles(fctx, series, rng.Start, rng.End)
		if s.prom != nil {
			s.prom.FetchDur.Observe(time.Since(began).Seconds())
		}
		if errors.Is(err, model.ErrInvalidCandle) {
			candles = out
			return err
		}
		if err != nil {
			if errors.Is(err, model.ErrSourceUnavailable) {
				logger.From(ctx).Warn("source unavailable, will retry",
					slog.Int("attempt", attempt), slog.String("error", err.Error()))
				return retry.RetryableError(err)
			}
			return err
		}
		candles = out
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrInvalidCandle) {
			return candles, fmt.Errorf("fetch %s: %w", rng, err)
		}
		return nil, fmt.Errorf("fetch %s: %w", rng, err)
	}
	return candles, nil
}

func (s *Service) observe(ps PairSummary) {
	if s.prom == nil {
		return
	}
	tf := string(ps.Series.Timeframe)
	result := "ok"
	if ps.Err != nil {
		result = "error"
	}
	s.prom.CyclesTotal.WithLabelValues(tf, result).Inc()
	s.prom.CycleDur.WithLabelValues(tf).Observe(ps.Duration.Seconds())
	s.prom.CandlesWritten.WithLabelValues(model.Inserted.String()).Add(float64(ps.Inserted))
	s.prom.CandlesWritten.WithLabelValues(model.Updated.String()).Add(float64(ps.Updated))
	s.prom.CandlesWritten.WithLabelValues(model.Unchanged.String()).Add(float64(ps.Unchanged))
	s.prom.CandleGaps.Add(float64(ps.Gaps))
	s.prom.PatternLabels.Add(float64(ps.Patterns))
	for k, n := range ps.ByKind {
		s.prom.IndicatorPoints.WithLabelValues(string(k)).Add(float64(n))
	}
	if ps.Err == nil {
		s.prom.LastSuccess.WithLabelValues(ps.Series.Symbol, tf).SetToCurrentTime()
	}
}

// earliest returns the earlier of two optional times, zero when both are nil.
func earliest(a, b *time.Time) time.Time {
	switch {
	case a == nil && b == nil:
		return time.Time{}
	case a == nil:
		return *b
	case b == nil:
		return *a
	case a.Before(*b):
		return *a
	default:
		return *b
	}
}
