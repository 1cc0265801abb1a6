package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ohlcsync/internal/model"

	"github.com/shopspring/decimal"
)

// pointsTable returns the relation and value columns for an indicator family.
func pointsTable(kind model.IndicatorKind) (string, []string, error) {
	cols, ok := model.KindColumns[kind]
	if !ok {
		return "", nil, fmt.Errorf("unknown indicator kind %q", kind)
	}
	return string(kind) + "_points", cols, nil
}

func (s *Store) LastIndicatorState(ctx context.Context, kind model.IndicatorKind, series model.SeriesKey, params string, before time.Time) (*model.IndicatorPoint, error) {
	table, cols, err := pointsTable(kind)
	if err != nil {
		return nil, err
	}

	q := `SELECT ts, ` + strings.Join(cols, ", ") + `, state FROM ` + table + `
		WHERE symbol = ? AND timeframe = ? AND params = ?`
	args := []any{series.Symbol, string(series.Timeframe), params}
	if !before.IsZero() {
		q += ` AND ts < ?`
		args = append(args, toMs(before))
	}
	q += ` ORDER BY ts DESC LIMIT 1`

	p, err := scanPoint(kind, series, params, cols, s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("last "+table, err)
	}
	return &p, nil
}

// UpsertIndicatorPoints writes points in one transaction, replacing any
// existing row with the same (series, params, ts).
func (s *Store) UpsertIndicatorPoints(ctx context.Context, kind model.IndicatorKind, points []model.IndicatorPoint) error {
	if len(points) == 0 {
		return nil
	}
	table, cols, err := pointsTable(kind)
	if err != nil {
		return err
	}

	all := append([]string{"symbol", "timeframe", "ts", "params"}, cols...)
	all = append(all, "state")
	sets := make([]string, 0, len(cols)+1)
	for _, c := range append(append([]string(nil), cols...), "state") {
		sets = append(sets, c+" = excluded."+c)
	}
	q := `INSERT INTO ` + table + ` (` + strings.Join(all, ", ") + `)
		VALUES (` + strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ") + `)
		ON CONFLICT (symbol, timeframe, params, ts) DO UPDATE SET ` + strings.Join(sets, ", ")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return storageErr("prepare "+table, err)
	}
	defer stmt.Close()

	args := make([]any, 0, len(all))
	for _, p := range points {
		args = args[:0]
		args = append(args, p.Series.Symbol, string(p.Series.Timeframe), toMs(p.TS), p.Params)
		for _, c := range cols {
			d, ok := p.Values[c]
			args = append(args, decimalArg(d, ok))
		}
		args = append(args, string(p.State))
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return storageErr("upsert "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func (s *Store) ReadIndicatorPoints(ctx context.Context, kind model.IndicatorKind, series model.SeriesKey, params string, start, end time.Time) ([]model.IndicatorPoint, error) {
	table, cols, err := pointsTable(kind)
	if err != nil {
		return nil, err
	}
	clause, rangeArgs := rangeClause(start, end)
	rows, err := s.db.QueryContext(ctx, `SELECT ts, `+strings.Join(cols, ", ")+`, state FROM `+table+`
		WHERE symbol = ? AND timeframe = ? AND params = ?`+clause+`
		ORDER BY ts ASC`,
		append([]any{series.Symbol, string(series.Timeframe), params}, rangeArgs...)...)
	if err != nil {
		return nil, storageErr("query "+table, err)
	}
	defer rows.Close()

	var out []model.IndicatorPoint
	for rows.Next() {
		p, err := scanPoint(kind, series, params, cols, rows)
		if err != nil {
			return nil, storageErr("scan "+table, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate "+table, err)
	}
	return out, nil
}

// IndicatorParams lists the parameter sets stored for a family and series.
func (s *Store) IndicatorParams(ctx context.Context, kind model.IndicatorKind, series model.SeriesKey) ([]string, error) {
	table, _, err := pointsTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT params FROM `+table+`
		WHERE symbol = ? AND timeframe = ? ORDER BY params`, series.Symbol, string(series.Timeframe))
	if err != nil {
		return nil, storageErr("params "+table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, storageErr("scan params", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPoint(kind model.IndicatorKind, series model.SeriesKey, params string, cols []string, sc interface{ Scan(...any) error }) (model.IndicatorPoint, error) {
	p := model.IndicatorPoint{Kind: kind, Series: series, Params: params}
	var (
		ts    int64
		state string
	)
	vals := make([]decimal.NullDecimal, len(cols))
	dest := make([]any, 0, len(cols)+2)
	dest = append(dest, &ts)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	dest = append(dest, &state)
	if err := sc.Scan(dest...); err != nil {
		return p, err
	}

	p.TS = fromMs(ts)
	p.State = []byte(state)
	p.Values = make(map[string]decimal.Decimal, len(cols))
	for i, c := range cols {
		if vals[i].Valid {
			p.Values[c] = vals[i].Decimal
		}
	}
	return p, nil
}
