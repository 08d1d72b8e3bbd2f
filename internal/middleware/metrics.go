// Package middleware provides the Gin middleware of the history API: request ids, access
// logging, Prometheus metrics, rate limiting and the operation context attached to every
// recorded change.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/model-history/model-history/internal/telemetry"
)

// noRoute labels requests that matched no route so unknown paths do not grow label cardinality.
const noRoute = "<no-route>"

// MetricsMiddleware records http_requests_total{method, path, status} and
// http_request_duration_seconds{method, path} for every request. The path label is the matched
// route template, e.g. /api/v1/history/:model/:foreign_key.
//
// Register it after gin.Recovery() and RequestIDMiddleware so the final status is captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRoute
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
