// Command server keeps candles and indicators current on a per-timeframe
// schedule and serves them over HTTP and websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ohlcsync/config"
	"ohlcsync/internal/api"
	"ohlcsync/internal/app"
	"ohlcsync/internal/gateway"
	"ohlcsync/internal/logger"
	"ohlcsync/internal/metrics"
	"ohlcsync/internal/pipeline"
	"ohlcsync/internal/scheduler"
	redisstore "ohlcsync/internal/store/redis"

	"github.com/gin-gonic/gin"
)

// healthRecorder feeds finished runs into the health status.
type healthRecorder struct{ h *metrics.HealthStatus }

func (r healthRecorder) Notify(_ context.Context, sum pipeline.Summary) {
	r.h.RecordSync(sum.FinishedAt, sum.Errors)
}

func main() {
	envFile := flag.String("env", ".env", "env file to load before the environment")
	runOnStart := flag.Bool("run-on-start", true, "sync every timeframe once at startup")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("[server] config", "error", err)
		os.Exit(2)
	}
	logger.Init("ohlcsync-server", logger.ParseLevel(cfg.LogLevel))
	slog.Info("[server] starting", "symbols", cfg.Symbols, "timeframes", cfg.Timeframes)

	a, err := app.New(cfg, app.Options{})
	if err != nil {
		slog.Error("[server] init failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Health & metrics ----
	health := metrics.NewHealthStatus(a.Redis != nil)
	health.Probe(ctx, a.Redis, a.SQLDB())
	health.StartLivenessChecker(ctx, a.Redis, a.SQLDB(), 15*time.Second)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, a.Registry)
	metricsSrv.Start()

	// ---- Websocket hub ----
	// With Redis, summaries travel over pubsub so every server instance
	// relays them; without it they go straight to the local hub.
	hub := gateway.NewHub(256)
	hub.OnClientCount(func(n int) { a.Metrics.WSClients.Set(float64(n)) })
	var notifier gateway.Notifier = hub
	var latest *redisstore.Reader
	if a.Redis != nil {
		latest = redisstore.NewReader(a.Redis)
		notifier = a.Notifier
		go hub.Relay(ctx, latest.SubscribeSummaries(ctx))
	}

	// ---- Scheduler ----
	opts := []scheduler.Option{
		scheduler.WithNotifier(notifier),
		scheduler.WithNotifier(healthRecorder{health}),
		scheduler.WithRunOnStart(*runOnStart),
	}
	if a.Alerter != nil {
		opts = append(opts, scheduler.WithNotifier(a.Alerter))
	}
	sched := scheduler.New(a.Service, cfg.UpdateIntervals, opts...)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()
	slog.Info("[server] scheduler started", "timeframes", sched.Timeframes())

	// ---- HTTP API ----
	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(a.Store, a.Service, api.Options{
		Notifier:      notifier,
		Latest:        latest,
		RSIOverbought: cfg.RSIOverbought,
		RSIOversold:   cfg.RSIOversold,
	})
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(&api.Config{Handler: handler, Hub: hub, Health: health}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("[server] api listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[server] api server failed", "error", err)
			cancel()
		}
	}()

	// ---- Wait for shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("[server] shutdown signal received, cleaning up...")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[server] api shutdown", "error", err)
	}
	hub.Close()
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		slog.Warn("[server] sync runs still in flight at shutdown")
	}
	metricsSrv.Stop(shutdownCtx)
	slog.Info("[server] shutdown complete")
}
