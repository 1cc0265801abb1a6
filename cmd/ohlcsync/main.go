// Command ohlcsync runs one sync cycle and exits. Flags override the
// configured symbols and timeframes for this run only.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ohlcsync/config"
	"ohlcsync/internal/app"
	"ohlcsync/internal/logger"
	"ohlcsync/internal/model"
	"ohlcsync/internal/pipeline"

	"github.com/goccy/go-json"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type flags struct {
	env            string
	symbols        string
	timeframes     string
	start, end     string
	indicators     string
	skipOHLC       bool
	skipIndicators bool
	dryRun         bool
	jsonOut        bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("ohlcsync", flag.ContinueOnError)
	fs.StringVar(&f.env, "env", ".env", "env file to load before the environment")
	fs.StringVar(&f.symbols, "symbols", "", "comma-separated symbols (default: SYMBOLS)")
	fs.StringVar(&f.timeframes, "timeframes", "", "comma-separated timeframes (default: TIMEFRAMES)")
	fs.StringVar(&f.start, "start", "", "first candle to sync, YYYY-MM-DD or RFC 3339")
	fs.StringVar(&f.end, "end", "", "sync up to this time (default: now)")
	fs.StringVar(&f.indicators, "indicators", "", "indicators to compute, e.g. ema,rsi,patterns (default: all)")
	fs.BoolVar(&f.skipOHLC, "skip-ohlc", false, "recompute indicators from stored candles only")
	fs.BoolVar(&f.skipIndicators, "skip-indicators", false, "sync candles only")
	fs.BoolVar(&f.dryRun, "dry-run", false, "use an in-memory store and skip Redis")
	fs.BoolVar(&f.jsonOut, "json", false, "print the summary as JSON")
	return f, fs.Parse(args)
}

func (f flags) request() (pipeline.Request, error) {
	var req pipeline.Request
	if f.skipOHLC && f.skipIndicators {
		return req, fmt.Errorf("-skip-ohlc and -skip-indicators leave nothing to do")
	}
	if f.symbols != "" {
		for _, s := range strings.Split(f.symbols, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				req.Symbols = append(req.Symbols, s)
			}
		}
	}
	if f.timeframes != "" {
		tfs, err := model.ParseTimeframes(f.timeframes)
		if err != nil {
			return req, err
		}
		req.Timeframes = tfs
	}
	for _, t := range []struct {
		s   string
		dst **time.Time
	}{{f.start, &req.Start}, {f.end, &req.End}} {
		if t.s == "" {
			continue
		}
		v, err := config.ParseTime(t.s)
		if err != nil {
			return req, err
		}
		*t.dst = &v
	}
	if f.indicators != "" {
		sel, err := pipeline.ParseSelection(f.indicators)
		if err != nil {
			return req, err
		}
		req.Indicators = sel
	}
	req.SkipOHLC, req.SkipIndicators = f.skipOHLC, f.skipIndicators
	return req, nil
}

func run(args []string) int {
	f, err := parseFlags(args)
	if err != nil {
		return 2
	}
	req, err := f.request()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ohlcsync:", err)
		return 2
	}

	cfg, err := config.Load(f.env)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger.Init("ohlcsync", logger.ParseLevel(cfg.LogLevel))

	a, err := app.New(cfg, app.Options{DryRun: f.dryRun})
	if err != nil {
		slog.Error("[ohlcsync] init failed", "error", err)
		return 1
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum := a.Service.RunSync(ctx, req)
	if a.Notifier != nil {
		a.Notifier.Notify(context.WithoutCancel(ctx), sum)
	}
	if a.Alerter != nil {
		a.Alerter.Notify(context.WithoutCancel(ctx), sum)
	}
	report(sum, f.jsonOut)

	if sum.Errors > 0 {
		return 1
	}
	return 0
}

func report(sum pipeline.Summary, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(sum)
		return
	}
	for _, p := range sum.Pairs {
		status := "ok"
		if p.Err != nil {
			status = p.Err.Error()
		}
		fmt.Printf("%-16s fetched=%d inserted=%d updated=%d unchanged=%d gaps=%d patterns=%d points=%d retries=%d %s\n",
			p.Series, p.Fetched, p.Inserted, p.Updated, p.Unchanged, p.Gaps, p.Patterns, p.Points, p.Retries, status)
	}
	fmt.Printf("%d pairs, %d candles written, %d indicator points, %d errors in %s\n",
		len(sum.Pairs), sum.CandlesWritten, sum.IndicatorsComputed, sum.Errors,
		sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
}
