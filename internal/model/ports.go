package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These decouple the sync pipeline from concrete adapters (SQLite, Redis,
// exchange REST APIs). A zero time.Time bound means "unbounded".

// CandleStore is typed access to persisted candles.
type CandleStore interface {
	// LastCandle returns the most recent stored candle, or nil when the series is empty.
	LastCandle(ctx context.Context, series SeriesKey) (*Candle, error)

	// UpsertCandles applies candles in order inside one transaction and
	// reports, per candle, whether it was inserted, updated or unchanged.
	UpsertCandles(ctx context.Context, series SeriesKey, candles []Candle) ([]UpsertOutcome, error)

	// ReadRange returns stored candles with start <= OpenTime < end, ascending.
	ReadRange(ctx context.Context, series SeriesKey, start, end time.Time) ([]Candle, error)

	// SetPatterns overwrites the pattern label of the given candles.
	SetPatterns(ctx context.Context, series SeriesKey, labels []PatternLabel) error
}

// IndicatorStore is typed access to persisted indicator points.
type IndicatorStore interface {
	// LastIndicatorState returns the newest point strictly before `before`,
	// or nil when no state exists.
	LastIndicatorState(ctx context.Context, kind IndicatorKind, series SeriesKey, params string, before time.Time) (*IndicatorPoint, error)

	// UpsertIndicatorPoints writes points keyed by (series, ts, params).
	UpsertIndicatorPoints(ctx context.Context, kind IndicatorKind, points []IndicatorPoint) error

	// ReadIndicatorPoints returns points with start <= TS < end, ascending.
	ReadIndicatorPoints(ctx context.Context, kind IndicatorKind, series SeriesKey, params string, start, end time.Time) ([]IndicatorPoint, error)
}

// Store combines both storage ports.
type Store interface {
	CandleStore
	IndicatorStore
}

// Source fetches raw candles with start <= OpenTime < end, ascending.
// Errors wrap ErrSourceUnavailable (transient) or ErrSourceRejected (fatal).
// A *CandleError comes with the valid candles before the bad one.
type Source interface {
	FetchCandles(ctx context.Context, series SeriesKey, start, end time.Time) ([]Candle, error)
}

// Locker serializes sync cycles for the same series.
type Locker interface {
	// Lock blocks until the key is held or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Publisher pushes the latest results of a cycle to downstream consumers.
// Publishing is best effort and never fails a cycle.
type Publisher interface {
	PublishCandle(ctx context.Context, c Candle)
	PublishPoints(ctx context.Context, points []IndicatorPoint)
}

// Catalog lists what a store holds. The read API uses it to discover series
// and parameter sets.
type Catalog interface {
	Series(ctx context.Context) ([]SeriesKey, error)
	IndicatorParams(ctx context.Context, kind IndicatorKind, series SeriesKey) ([]string, error)
}
