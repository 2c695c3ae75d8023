// Package httpapi wires the local ops API: a small Gin server exposing the
// engine's status, a manual sync trigger and dead-letter management to
// operators and scripts on the device.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. AccessLog
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. gzip
//  8. CORS, only when origins are configured
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-gate-sync/internal/config"
	"github.com/tbourn/go-gate-sync/internal/http/handlers"
	"github.com/tbourn/go-gate-sync/internal/http/middleware"
)

const (
	maxBodyBytes = 64 << 10
	// Mutating endpoints are throttled per client.
	mutateRPS   = 1
	mutateBurst = 5
)

// RegisterRoutes attaches the middleware and the ops endpoints to r.
func RegisterRoutes(r *gin.Engine, eng handlers.Engine, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// promhttp negotiates its own compression.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	if len(cfg.Ops.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Ops.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{middleware.RequestIDHeader, "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	h := handlers.New(eng)
	r.GET("/health", h.Health)
	r.GET("/status", h.Status)
	r.GET("/dead-letters", h.ListDeadLetters)

	mut := r.Group("", middleware.Throttle(mutateRPS, mutateBurst))
	{
		mut.POST("/sync", h.Sync)
		mut.POST("/dead-letters/:id/retry", h.RetryDeadLetter)
		mut.DELETE("/dead-letters/:id", h.DiscardDeadLetter)
	}
}

// limitBody caps the request body at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
