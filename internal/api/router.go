// Package api serves stored candles and indicators over HTTP and accepts
// on-demand sync requests.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"ohlcsync/internal/gateway"
	"ohlcsync/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Config wires the router's collaborators. Hub and Health are optional.
type Config struct {
	Handler *Handler
	Hub     *gateway.Hub
	Health  http.Handler
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg *Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), requestLogger(), cors())

	router.GET("/health", health(cfg.Health))

	v1 := router.Group("/v1")
	registerDataRoutes(v1, cfg.Handler)
	registerSyncRoutes(v1, cfg.Handler)
	if cfg.Hub != nil {
		v1.GET("/ws", gin.WrapF(cfg.Hub.ServeWS))
	}
	return router
}

func registerDataRoutes(r *gin.RouterGroup, h *Handler) {
	r.GET("/series", h.ListSeries)
	r.GET("/ohlc/:symbol/:timeframe", h.GetOHLC)
	r.GET("/indicators/:kind/:symbol/:timeframe", h.GetIndicators)
	r.GET("/latest/:symbol/:timeframe", h.GetLatest)
}

func registerSyncRoutes(r *gin.RouterGroup, h *Handler) {
	sync := r.Group("/sync")
	{
		sync.POST("", h.PostSync)
		sync.POST("/:symbol", h.PostSync)
		sync.POST("/:symbol/:timeframe", h.PostSync)
	}
}

func health(hc http.Handler) gin.HandlerFunc {
	if hc == nil {
		return func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		}
	}
	return gin.WrapH(hc)
}

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// requestID reuses the caller's id or assigns a fresh one, and tags the
// request context so sync logs carry it as the trace id.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Set(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), id))
		c.Next()
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger logs one structured line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"took", time.Since(start).String(),
			"request_id", c.GetString(RequestIDHeader),
		}
		switch {
		case status >= 500:
			slog.Error("[api] request", attrs...)
		case status >= 400:
			slog.Warn("[api] request", attrs...)
		default:
			slog.Debug("[api] request", attrs...)
		}
	}
}
