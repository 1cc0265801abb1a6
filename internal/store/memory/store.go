// Package memory is an in-process model.Store. It backs dry runs and tests
// and follows the same upsert and ordering rules as the SQLite store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ohlcsync/internal/model"
)

type pointKey struct {
	kind   model.IndicatorKind
	series model.SeriesKey
	params string
}

// Store keeps candles and indicator points in sorted slices.
type Store struct {
	mu      sync.RWMutex
	candles map[model.SeriesKey][]model.Candle
	points  map[pointKey][]model.IndicatorPoint
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		candles: make(map[model.SeriesKey][]model.Candle),
		points:  make(map[pointKey][]model.IndicatorPoint),
	}
}

func inRange(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && !t.Before(end) {
		return false
	}
	return true
}

func (s *Store) LastCandle(_ context.Context, series model.SeriesKey) (*model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.candles[series]
	if len(rows) == 0 {
		return nil, nil
	}
	c := rows[len(rows)-1]
	return &c, nil
}

func (s *Store) UpsertCandles(_ context.Context, series model.SeriesKey, candles []model.Candle) ([]model.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.candles[series]
	out := make([]model.UpsertOutcome, len(candles))
	for i, c := range candles {
		c.Symbol, c.Timeframe = series.Symbol, series.Timeframe
		c.OpenTime = c.OpenTime.UTC()
		j := sort.Search(len(rows), func(k int) bool { return !rows[k].OpenTime.Before(c.OpenTime) })
		switch {
		case j < len(rows) && rows[j].OpenTime.Equal(c.OpenTime):
			if rows[j].SameValues(c) {
				out[i] = model.Unchanged
				continue
			}
			c.Pattern = ""
			rows[j] = c
			out[i] = model.Updated
		default:
			c.Pattern = ""
			rows = append(rows, model.Candle{})
			copy(rows[j+1:], rows[j:])
			rows[j] = c
			out[i] = model.Inserted
		}
	}
	s.candles[series] = rows
	return out, nil
}

func (s *Store) ReadRange(_ context.Context, series model.SeriesKey, start, end time.Time) ([]model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Candle
	for _, c := range s.candles[series] {
		if inRange(c.OpenTime, start, end) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) SetPatterns(_ context.Context, series model.SeriesKey, labels []model.PatternLabel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.candles[series]
	for _, l := range labels {
		j := sort.Search(len(rows), func(k int) bool { return !rows[k].OpenTime.Before(l.OpenTime) })
		if j < len(rows) && rows[j].OpenTime.Equal(l.OpenTime) {
			rows[j].Pattern = l.Pattern
		}
	}
	return nil
}

func (s *Store) LastIndicatorState(_ context.Context, kind model.IndicatorKind, series model.SeriesKey, params string, before time.Time) (*model.IndicatorPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.points[pointKey{kind, series, params}]
	for i := len(rows) - 1; i >= 0; i-- {
		if before.IsZero() || rows[i].TS.Before(before) {
			p := rows[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (s *Store) UpsertIndicatorPoints(_ context.Context, kind model.IndicatorKind, points []model.IndicatorPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		p.Kind = kind
		key := pointKey{kind, p.Series, p.Params}
		rows := s.points[key]
		j := sort.Search(len(rows), func(k int) bool { return !rows[k].TS.Before(p.TS) })
		if j < len(rows) && rows[j].TS.Equal(p.TS) {
			rows[j] = p
		} else {
			rows = append(rows, model.IndicatorPoint{})
			copy(rows[j+1:], rows[j:])
			rows[j] = p
		}
		s.points[key] = rows
	}
	return nil
}

func (s *Store) ReadIndicatorPoints(_ context.Context, kind model.IndicatorKind, series model.SeriesKey, params string, start, end time.Time) ([]model.IndicatorPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.IndicatorPoint
	for _, p := range s.points[pointKey{kind, series, params}] {
		if inRange(p.TS, start, end) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Series lists every series with stored candles, ordered by symbol then timeframe.
func (s *Store) Series(_ context.Context) ([]model.SeriesKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SeriesKey, 0, len(s.candles))
	for k, rows := range s.candles {
		if len(rows) > 0 {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out, nil
}

// IndicatorParams lists the parameter sets stored for a family and series.
func (s *Store) IndicatorParams(_ context.Context, kind model.IndicatorKind, series model.SeriesKey) ([]string, error) {
	if _, ok := model.KindColumns[kind]; !ok {
		return nil, fmt.Errorf("unknown indicator kind %q", kind)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k, rows := range s.points {
		if k.kind == kind && k.series == series && len(rows) > 0 {
			out = append(out, k.params)
		}
	}
	sort.Strings(out)
	return out, nil
}
