package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ohlcsync/internal/model"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/ohlc.db"
	// SkipMigrate leaves the schema untouched; run cmd/migrate instead.
	SkipMigrate bool
}

// Store is the SQLite-backed model.Store. It holds a single connection so
// all writes are serialized, with WAL keeping readers unblocked.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks and migrations.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (or creates) the database, enables WAL and applies migrations.
func Open(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !cfg.SkipMigrate {
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}

	slog.Info("sqlite opened", "path", cfg.DBPath)
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("sqlite %s: %w: %w", op, model.ErrStorageFailure, err)
}

func toMs(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// rangeClause renders the optional [start, end) bounds on column ts.
func rangeClause(start, end time.Time) (string, []any) {
	var (
		clause string
		args   []any
	)
	if !start.IsZero() {
		clause += " AND ts >= ?"
		args = append(args, toMs(start))
	}
	if !end.IsZero() {
		clause += " AND ts < ?"
		args = append(args, toMs(end))
	}
	return clause, args
}

// ── Candles ──

const candleCols = `ts, open, high, low, close, volume, COALESCE(pattern, '')`

func scanCandle(series model.SeriesKey, sc interface{ Scan(...any) error }) (model.Candle, error) {
	c := model.Candle{Symbol: series.Symbol, Timeframe: series.Timeframe}
	var ts int64
	if err := sc.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Pattern); err != nil {
		return c, err
	}
	c.OpenTime = fromMs(ts)
	return c, nil
}

func (s *Store) LastCandle(ctx context.Context, series model.SeriesKey) (*model.Candle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+candleCols+`
		FROM candles
		WHERE symbol = ? AND timeframe = ?
		ORDER BY ts DESC
		LIMIT 1
	`, series.Symbol, string(series.Timeframe))

	c, err := scanCandle(series, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("last candle", err)
	}
	return &c, nil
}

// UpsertCandles applies the batch in order inside one transaction. Rows whose
// values are unchanged are left alone; changed rows lose their pattern label.
func (s *Store) UpsertCandles(ctx context.Context, series model.SeriesKey, candles []model.Candle) ([]model.UpsertOutcome, error) {
	if len(candles) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback()

	sel, err := tx.PrepareContext(ctx, `
		SELECT open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND ts = ?
	`)
	if err != nil {
		return nil, storageErr("prepare select", err)
	}
	defer sel.Close()

	up, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume, pattern, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			pattern = NULL,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return nil, storageErr("prepare upsert", err)
	}
	defer up.Close()

	now := time.Now().Unix()
	out := make([]model.UpsertOutcome, len(candles))
	for i, c := range candles {
		ts := toMs(c.OpenTime)
		var prev model.Candle
		err := sel.QueryRowContext(ctx, series.Symbol, string(series.Timeframe), ts).
			Scan(&prev.Open, &prev.High, &prev.Low, &prev.Close, &prev.Volume)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			out[i] = model.Inserted
		case err != nil:
			return nil, storageErr("select candle", err)
		case prev.SameValues(c):
			out[i] = model.Unchanged
			continue
		default:
			out[i] = model.Updated
		}

		if _, err := up.ExecContext(ctx, series.Symbol, string(series.Timeframe), ts,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(), now); err != nil {
			return nil, storageErr("upsert candle", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit", err)
	}
	return out, nil
}

func (s *Store) ReadRange(ctx context.Context, series model.SeriesKey, start, end time.Time) ([]model.Candle, error) {
	clause, args := rangeClause(start, end)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+candleCols+`
		FROM candles
		WHERE symbol = ? AND timeframe = ?`+clause+`
		ORDER BY ts ASC
	`, append([]any{series.Symbol, string(series.Timeframe)}, args...)...)
	if err != nil {
		return nil, storageErr("query candles", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c, err := scanCandle(series, rows)
		if err != nil {
			return nil, storageErr("scan candle", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate candles", err)
	}
	return out, nil
}

func (s *Store) SetPatterns(ctx context.Context, series model.SeriesKey, labels []model.PatternLabel) error {
	if len(labels) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE candles SET pattern = NULLIF(?, '')
		WHERE symbol = ? AND timeframe = ? AND ts = ?
	`)
	if err != nil {
		return storageErr("prepare pattern", err)
	}
	defer stmt.Close()

	for _, l := range labels {
		if _, err := stmt.ExecContext(ctx, l.Pattern, series.Symbol, string(series.Timeframe), toMs(l.OpenTime)); err != nil {
			return storageErr("set pattern", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// Series lists every (symbol, timeframe) with stored candles.
func (s *Store) Series(ctx context.Context) ([]model.SeriesKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol, timeframe FROM candles ORDER BY symbol, timeframe`)
	if err != nil {
		return nil, storageErr("list series", err)
	}
	defer rows.Close()

	var out []model.SeriesKey
	for rows.Next() {
		var k model.SeriesKey
		var tf string
		if err := rows.Scan(&k.Symbol, &tf); err != nil {
			return nil, storageErr("scan series", err)
		}
		k.Timeframe = model.Timeframe(tf)
		out = append(out, k)
	}
	return out, rows.Err()
}

// decimalArg stores a decimal as TEXT, or NULL when absent.
func decimalArg(d decimal.Decimal, ok bool) any {
	if !ok {
		return nil
	}
	return d.String()
}
