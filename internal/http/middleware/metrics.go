package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Labels are bounded: path is the registered route, never the raw URL,
// except for unmatched requests.
var (
	opsRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatesync_ops_http_requests_total",
			Help: "Ops API requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	opsLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatesync_ops_http_request_duration_seconds",
			Help:    "Ops API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	opsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatesync_ops_http_requests_inflight",
			Help: "Ops API requests currently being served.",
		},
	)
)

func init() {
	prometheus.MustRegister(opsRequests, opsLatency, opsInflight)
}

// Metrics instruments requests with the collectors above.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		opsInflight.Inc()
		defer opsInflight.Dec()

		c.Next()

		path := routeOf(c)
		opsRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		opsLatency.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
