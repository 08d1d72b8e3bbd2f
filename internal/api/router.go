// Package api wires together all HTTP routes for the model-history service.
//
// Write routes (change events and comments) and read routes (history pages, records, diffs) share
// the /api/v1 prefix but draw from separate rate limit budgets. Every history route runs behind
// HistoryContextMiddleware so the records a request writes carry its controller context.
// Authentication happens upstream; the acting user arrives in X-User-ID.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	historyapi "github.com/model-history/model-history/internal/api/history"
	"github.com/model-history/model-history/internal/config"
	"github.com/model-history/model-history/internal/history"
	"github.com/model-history/model-history/internal/middleware"
)

// Version is the service version reported by /version. Overridden at build time with -ldflags.
var Version = "0.1.0"

// Pinger is a dependency the readiness probe checks, such as *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Dependencies are the collaborators the router serves from.
type Dependencies struct {
	Config  *config.Config
	Service *history.Service
	Fields  history.FieldConfigProvider
	// DB is nil for the memory database driver
	DB Pinger
	// Redis is nil unless redis is enabled
	Redis *redis.Client
}

// BackgroundServices holds references to background goroutines that must be stopped during
// graceful shutdown. The caller (cmd/server) calls Shutdown() once the HTTP server has drained.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(deps Dependencies) (*gin.Engine, *BackgroundServices) {
	cfg := deps.Config
	router := gin.New()
	bg := &BackgroundServices{}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(slog.Default()))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps))
	router.GET("/version", versionHandler())

	readLimit, writeLimit := rateLimiters(cfg, deps.Redis, bg)

	h := historyapi.NewHandler(deps.Service, deps.Fields)
	apiV1 := router.Group("/api/v1")
	{
		historyGroup := apiV1.Group("/history/:model/:foreign_key",
			middleware.HistoryContextMiddleware(cfg.History.Namespace, "history"))
		{
			historyGroup.POST("/changes", writeLimit, h.RecordChange)
			historyGroup.POST("/comments", writeLimit, h.AddComment)
			historyGroup.GET("", readLimit, h.ListHistory)
			historyGroup.GET("/count", readLimit, h.CountHistory)
			historyGroup.GET("/entity", readLimit, h.GetEntity)
		}

		recordsGroup := apiV1.Group("/records/:id",
			middleware.HistoryContextMiddleware(cfg.History.Namespace, "records"))
		{
			recordsGroup.GET("", readLimit, h.GetRecord)
			recordsGroup.GET("/diff", readLimit, h.GetRecordDiff)
		}
	}

	return router, bg
}

// rateLimiters returns the read and write rate limit middleware. Limits are shared through Redis
// when a client is available and kept per process otherwise.
func rateLimiters(cfg *config.Config, client *redis.Client, bg *BackgroundServices) (gin.HandlerFunc, gin.HandlerFunc) {
	if !cfg.RateLimit.Enabled {
		pass := func(c *gin.Context) { c.Next() }
		return pass, pass
	}

	read := middleware.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimit.Read.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.Read.Burst,
		CleanupInterval:   middleware.DefaultRateLimitConfig().CleanupInterval,
	}
	write := middleware.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimit.Write.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.Write.Burst,
		CleanupInterval:   middleware.WriteRateLimitConfig().CleanupInterval,
	}

	if client != nil {
		limiter := redis_rate.NewLimiter(client)
		slog.Info("using redis rate limiter")
		return middleware.RateLimitMiddleware(middleware.NewRedisRateLimiter(limiter, read, "rate:read:", nil)),
			middleware.RateLimitMiddleware(middleware.NewRedisRateLimiter(limiter, write, "rate:write:", nil))
	}

	readLimiter := middleware.NewRateLimiter(read)
	writeLimiter := middleware.NewRateLimiter(write)
	bg.rateLimiters = append(bg.rateLimiters, readLimiter, writeLimiter)
	return middleware.RateLimitMiddleware(readLimiter), middleware.RateLimitMiddleware(writeLimiter)
}

// healthCheckHandler reports liveness. With a database it also checks the connection.
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database connection failed",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), it also checks Redis and that a field configuration is
// loaded, so a readiness gate fails when writes would error.
func readinessHandler(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		checks := gin.H{}

		notReady := func(reason string) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  reason,
			})
		}

		if deps.DB != nil {
			if err := deps.DB.PingContext(ctx); err != nil {
				checks["database"] = "unhealthy"
				notReady("database not ready")
				return
			}
			checks["database"] = "healthy"
		}

		if deps.Redis != nil {
			if err := deps.Redis.Ping(ctx).Err(); err != nil {
				checks["redis"] = "unhealthy"
				notReady("redis not ready")
				return
			}
			checks["redis"] = "healthy"
		}

		if lister, ok := deps.Fields.(interface{ Models() []string }); ok {
			if len(lister.Models()) == 0 {
				checks["field_config"] = "empty"
				notReady("no models configured")
				return
			}
			checks["field_config"] = "loaded"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}
