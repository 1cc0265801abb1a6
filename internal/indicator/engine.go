package indicator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"ohlcsync/internal/logger"
	"ohlcsync/internal/model"

	"github.com/shopspring/decimal"
)

const defaultBatchSize = 500

// Config selects the calculators the engine runs for each series.
type Config struct {
	EMAPeriods      []int
	RSIPeriods      []int
	OBV             OBVConfig
	CE              CEConfig
	PivotPeriod     model.Timeframe   // period length for pivot levels, e.g. 1M
	PivotTimeframes []model.Timeframe // series timeframes that get pivots
}

// DefaultConfig returns the stock indicator set.
func DefaultConfig() Config {
	return Config{
		EMAPeriods:      []int{9, 20, 50, 100, 200},
		RSIPeriods:      []int{14},
		OBV:             OBVConfig{MAType: MAEMA, MAPeriod: 20, BBMult: 2.0},
		CE:              CEConfig{Period: 22, Multiplier: 3.0},
		PivotPeriod:     model.TF1M,
		PivotTimeframes: []model.Timeframe{model.TF1M},
	}
}

// Report summarizes one engine run over a series.
type Report struct {
	Points int
	ByKind map[model.IndicatorKind]int
	Latest []model.IndicatorPoint // newest point per calculator
}

// Engine drives the calculators over a stored candle series.
//
// For each calculator it loads the last persisted state strictly before the
// earliest touched candle (or starts cold), streams the closed candles after
// that state, and writes every emitted point together with the state that
// produced it. Points are flushed in batches, so an interrupted run resumes
// from its last committed batch.
type Engine struct {
	store     model.Store
	cfg       Config
	batchSize int
	now       func() time.Time
	timeout   time.Duration // per store call, zero for none
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the clock used to decide which candles are closed.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBatchSize sets how many points are committed per transaction.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithStoreTimeout bounds every store call the engine makes.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// NewEngine creates an indicator engine backed by store.
func NewEngine(store model.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		cfg:       cfg,
		batchSize: defaultBatchSize,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Calculators builds fresh calculators for a timeframe, restricted to kinds
// (all kinds when empty).
func (e *Engine) Calculators(tf model.Timeframe, kinds []model.IndicatorKind) []Calculator {
	want := func(k model.IndicatorKind) bool {
		return len(kinds) == 0 || slices.Contains(kinds, k)
	}

	var out []Calculator
	if want(model.KindEMA) {
		for _, p := range e.cfg.EMAPeriods {
			out = append(out, NewEMA(p))
		}
	}
	if want(model.KindRSI) {
		for _, p := range e.cfg.RSIPeriods {
			out = append(out, NewRSI(p))
		}
	}
	if want(model.KindOBV) {
		out = append(out, NewOBV(e.cfg.OBV))
	}
	if want(model.KindCE) && e.cfg.CE.Period > 0 {
		out = append(out, NewChandelier(e.cfg.CE))
	}
	if want(model.KindPivot) && e.cfg.PivotPeriod != "" && slices.Contains(e.cfg.PivotTimeframes, tf) {
		out = append(out, NewPivot(e.cfg.PivotPeriod))
	}
	return out
}

// Run recomputes indicators for series. t0 is the earliest candle touched by
// the last reconciliation; nil means nothing changed and only newly closed
// candles are processed.
func (e *Engine) Run(ctx context.Context, series model.SeriesKey, t0 *time.Time, kinds []model.IndicatorKind) (Report, error) {
	rep := Report{ByKind: make(map[model.IndicatorKind]int)}
	calcs := e.Calculators(series.Timeframe, kinds)
	if len(calcs) == 0 {
		return rep, nil
	}

	var before time.Time
	if t0 != nil {
		before = *t0
	}

	// Restore each calculator and find the oldest candle any of them needs.
	var readFrom time.Time
	for i, calc := range calcs {
		sctx, cancel := e.storeCtx(ctx)
		pt, err := e.store.LastIndicatorState(sctx, calc.Kind(), series, calc.Params(), before)
		cancel()
		if err != nil {
			return rep, fmt.Errorf("%s(%s) load state: %w", calc.Kind(), calc.Params(), err)
		}
		if pt != nil {
			if err := calc.UnmarshalState(pt.State); err != nil {
				slog.Warn("discarding indicator state, starting cold",
					append(logger.LogWithTrace(ctx),
						slog.String("series", series.String()),
						slog.String("kind", string(calc.Kind())),
						slog.String("error", err.Error()))...)
			}
		}
		last := calc.Last()
		if i == 0 || last.Before(readFrom) {
			readFrom = last
		}
	}

	sctx, cancel := e.storeCtx(ctx)
	candles, err := e.store.ReadRange(sctx, series, readFrom, time.Time{})
	cancel()
	if err != nil {
		return rep, fmt.Errorf("read candles: %w", err)
	}
	closed, tail := model.SplitClosed(candles, e.now())

	for _, calc := range calcs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		n, latest, err := e.stream(ctx, series, calc, closed, tail)
		rep.Points += n
		rep.ByKind[calc.Kind()] += n
		if latest != nil {
			rep.Latest = append(rep.Latest, *latest)
		}
		if err != nil {
			return rep, fmt.Errorf("%s(%s): %w", calc.Kind(), calc.Params(), err)
		}
	}
	return rep, nil
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// stream feeds one calculator the closed candles after its state and
// persists the emitted points in batches.
func (e *Engine) stream(ctx context.Context, series model.SeriesKey, calc Calculator, closed []model.Candle, tail *model.Candle) (int, *model.IndicatorPoint, error) {
	from := calc.Last()
	batch := make([]model.IndicatorPoint, 0, e.batchSize)
	written := 0
	var latest *model.IndicatorPoint

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		sctx, cancel := e.storeCtx(ctx)
		err := e.store.UpsertIndicatorPoints(sctx, calc.Kind(), batch)
		cancel()
		if err != nil {
			return err
		}
		written += len(batch)
		p := batch[len(batch)-1]
		latest = &p
		batch = batch[:0]
		return nil
	}

	emit := func(ts time.Time, values map[string]decimal.Decimal) error {
		state, err := calc.MarshalState()
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		batch = append(batch, model.IndicatorPoint{
			Kind:   calc.Kind(),
			Series: series,
			TS:     ts,
			Params: calc.Params(),
			Values: values,
			State:  state,
		})
		if len(batch) >= e.batchSize {
			return flush()
		}
		return nil
	}

	for _, c := range closed {
		if !c.OpenTime.After(from) {
			continue
		}
		values, ok := calc.Update(c)
		if !ok {
			continue
		}
		if err := emit(c.OpenTime, values); err != nil {
			return written, latest, err
		}
	}

	if tail != nil && tail.OpenTime.After(calc.Last()) {
		if to, ok := calc.(TailObserver); ok {
			if values, ok := to.ObserveTail(*tail); ok {
				if err := emit(tail.OpenTime, values); err != nil {
					return written, latest, err
				}
			}
		}
	}

	err := flush()
	return written, latest, err
}
