package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sync pipeline.
type Metrics struct {
	// Sync cycles
	CyclesTotal  *prometheus.CounterVec   // labels: timeframe, result
	CycleDur     *prometheus.HistogramVec // labels: timeframe
	LastSuccess  *prometheus.GaugeVec     // labels: symbol, timeframe
	FetchDur     prometheus.Histogram
	FetchRetries prometheus.Counter

	// Reconciliation and derived data
	CandlesWritten  *prometheus.CounterVec // labels: outcome
	CandleGaps      prometheus.Counter
	IndicatorPoints *prometheus.CounterVec // labels: kind
	PatternLabels   prometheus.Counter

	// Circuit breaker on the Redis publisher
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Live summary stream
	WSClients prometheus.Gauge
}

// NewMetrics creates the metrics and registers them on reg
// (the default registry when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcsync_cycles_total",
			Help: "Sync cycles per timeframe by result (ok, error)",
		}, []string{"timeframe", "result"}),
		CycleDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ohlcsync_cycle_duration_seconds",
			Help:    "Wall time of one pair's sync cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"timeframe"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ohlcsync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle per pair",
		}, []string{"symbol", "timeframe"}),
		FetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ohlcsync_fetch_duration_seconds",
			Help:    "Source fetch latency per attempt",
			Buckets: prometheus.DefBuckets,
		}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcsync_fetch_retries_total",
			Help: "Source fetches retried after a transient failure",
		}),

		CandlesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcsync_candles_total",
			Help: "Candles reconciled by outcome (inserted, updated, unchanged)",
		}, []string{"outcome"}),
		CandleGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcsync_candle_gaps_total",
			Help: "Missing candle slots detected during reconciliation",
		}),
		IndicatorPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcsync_indicator_points_total",
			Help: "Indicator points written by kind",
		}, []string{"kind"}),
		PatternLabels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcsync_pattern_labels_total",
			Help: "Candle pattern labels written",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcsync_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcsync_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcsync_redis_buffered_writes_total",
			Help: "Writes buffered locally while the Redis circuit breaker is open",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcsync_ws_clients",
			Help: "Connected websocket clients",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDur,
		m.LastSuccess,
		m.FetchDur,
		m.FetchRetries,
		m.CandlesWritten,
		m.CandleGaps,
		m.IndicatorPoints,
		m.PatternLabels,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.WSClients,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	LastSyncErrors int       `json:"last_sync_errors"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(redisEnabled bool) *HealthStatus {
	return &HealthStatus{
		RedisEnabled: redisEnabled,
		StartedAt:    time.Now(),
	}
}

// RecordSync notes the end of a sync run and how many pairs failed.
func (h *HealthStatus) RecordSync(at time.Time, errs int) {
	h.mu.Lock()
	h.LastSyncAt = at
	h.LastSyncErrors = errs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// Probe runs every configured check once.
func (h *HealthStatus) Probe(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB) {
	if rdb != nil {
		h.CheckRedis(ctx, rdb)
	}
	if sqlDB != nil {
		h.CheckSQLite(ctx, sqlDB)
	}
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		h.Probe(probeCtx, rdb, sqlDB)
		cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.Probe(probeCtx, rdb, sqlDB)
				cancel()
			}
		}
	}()
}

// Healthy reports the overall status string and HTTP code.
// SQLite down is unhealthy; a configured but unreachable Redis only degrades.
func (h *HealthStatus) Healthy() (string, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch {
	case !h.SQLiteOK:
		return "unhealthy", http.StatusServiceUnavailable
	case h.RedisEnabled && !h.RedisConnected:
		return "degraded", http.StatusOK
	default:
		return "healthy", http.StatusOK
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	overallStatus, httpCode := h.Healthy()

	h.mu.RLock()
	defer h.mu.RUnlock()

	lastSync := ""
	if !h.LastSyncAt.IsZero() {
		lastSync = h.LastSyncAt.Format(time.RFC3339)
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastSyncAt      string  `json:"last_sync_at"`
		LastSyncErrors  int     `json:"last_sync_errors"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastSyncAt:      lastSync,
		LastSyncErrors:  h.LastSyncErrors,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. gatherer defaults to the
// global registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
