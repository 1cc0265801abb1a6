// Package app assembles the sync service and its adapters from configuration.
// The CLI and the server share it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ohlcsync/config"
	"ohlcsync/internal/gateway"
	"ohlcsync/internal/indicator"
	"ohlcsync/internal/marketdata/source/binance"
	"ohlcsync/internal/metrics"
	"ohlcsync/internal/model"
	"ohlcsync/internal/notification"
	"ohlcsync/internal/pipeline"
	"ohlcsync/internal/store/memory"
	redisstore "ohlcsync/internal/store/redis"
	"ohlcsync/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// Store is what the service and the read API need from storage.
type Store interface {
	model.Store
	model.Catalog
}

// Options adjusts how New assembles the application.
type Options struct {
	// DryRun keeps everything in memory and skips Redis.
	DryRun bool
	// Source replaces the Binance client.
	Source model.Source
	// Registry receives the metrics; a fresh registry when nil.
	Registry *prometheus.Registry
	// LockTTL bounds how long a Redis pair lock survives a crashed holder.
	LockTTL time.Duration
}

// App holds the assembled components. SQL, Redis, Publisher, Notifier and
// Alerter are nil when not in use.
type App struct {
	Config    *config.Config
	Store     Store
	SQL       *sqlite.Store
	Redis     *goredis.Client
	Publisher *redisstore.BufferedWriter
	Notifier  gateway.Notifier
	Alerter   *notification.Alerter
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Service   *pipeline.Service
}

// New opens storage, connects Redis when configured and builds the service.
func New(cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg, Registry: opts.Registry}
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
	}
	a.Metrics = metrics.NewMetrics(a.Registry)

	if opts.DryRun {
		a.Store = memory.New()
		slog.Info("[app] dry run: using the in-memory store, Redis disabled")
	} else {
		st, err := sqlite.Open(sqlite.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			return nil, err
		}
		a.SQL, a.Store = st, st
	}

	var locker model.Locker
	if cfg.RedisAddr != "" && !opts.DryRun {
		if err := a.connectRedis(cfg); err != nil {
			a.Close()
			return nil, err
		}
		ttl := opts.LockTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		locker = redisstore.NewLocker(a.Redis, ttl)
	}

	a.Alerter = alerter(cfg)

	src := opts.Source
	if src == nil {
		src = binance.New(binance.Config{
			BaseURL:    cfg.BinanceURL,
			RatePerMin: cfg.SourceRatePerMin,
			Timeout:    cfg.SourceTimeout,
		})
	}

	deps := pipeline.Deps{
		Store:   a.Store,
		Source:  src,
		Engine:  indicator.NewEngine(a.Store, cfg.Indicators(), indicator.WithStoreTimeout(cfg.StoreTimeout)),
		Locker:  locker,
		Metrics: a.Metrics,
	}
	// a nil *BufferedWriter must not become a non-nil interface
	if a.Publisher != nil {
		deps.Publisher = a.Publisher
	}
	a.Service = pipeline.New(pipeline.Config{
		Symbols:      cfg.Symbols,
		Timeframes:   cfg.Timeframes,
		DefaultStart: cfg.DefaultStart,
		Workers:      cfg.SyncWorkers,
		StoreTimeout: cfg.StoreTimeout,
		MaxRetries:   cfg.SourceMaxRetries,
		RetryBase:    cfg.SourceRetryBase,
	}, deps)
	return a, nil
}

func (a *App) connectRedis(cfg *config.Config) error {
	rcfg := redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	client, err := redisstore.Connect(rcfg)
	if err != nil {
		return err
	}
	a.Redis = client

	w := redisstore.NewWriter(client, rcfg)
	cb := redisstore.NewCircuitBreaker(5, 30*time.Second)
	cb.OnStateChange = func(from, to redisstore.State) {
		a.Metrics.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			a.Metrics.RedisCircuitBreakerTrips.Inc()
		}
		slog.Warn("[app] redis circuit breaker", "from", from.String(), "to", to.String())
	}
	a.Publisher = redisstore.NewBufferedWriter(w, cb, 0)
	a.Publisher.OnBuffer = a.Metrics.RedisBufferedWrites.Inc
	a.Publisher.OnFlush = func(n int) {
		slog.Info("[app] replayed buffered redis writes", "count", n)
	}
	a.Notifier = gateway.NewRedisNotifier(w)
	return nil
}

func alerter(cfg *config.Config) *notification.Alerter {
	var senders []notification.Sender
	if cfg.AlertWebhookURL != "" {
		senders = append(senders, notification.NewWebhookSender(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" {
		senders = append(senders, notification.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if len(senders) == 0 {
		return nil
	}
	return notification.NewAlerter(senders...)
}

// SQLDB exposes the database handle for health checks; nil in a dry run.
func (a *App) SQLDB() *sql.DB {
	if a.SQL == nil {
		return nil
	}
	return a.SQL.DB()
}

// Close flushes buffered Redis writes and releases connections. Calling it
// again is a no-op.
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil && a.Publisher.PendingCount() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.Publisher.Flush(ctx)
		cancel()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
		a.Redis = nil
	}
	if a.SQL != nil {
		errs = append(errs, a.SQL.Close())
		a.SQL = nil
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
