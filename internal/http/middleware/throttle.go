package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an unused per-client limiter is kept.
const idleLimiterTTL = 10 * time.Minute

// Throttle limits each client IP to rps requests per second with the given
// burst. Rejected requests get 429 with a Retry-After hint. It guards the
// endpoints that change engine state; reads are not throttled.
func Throttle(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	limiters := cache.New(idleLimiterTTL, idleLimiterTTL)

	return func(c *gin.Context) {
		key := c.ClientIP()
		var lim *rate.Limiter
		if v, ok := limiters.Get(key); ok {
			lim = v.(*rate.Limiter)
		} else {
			lim = rate.NewLimiter(rate.Limit(rps), burst)
		}
		// Refresh the expiry on every use.
		limiters.SetDefault(key, lim)

		res := lim.Reserve()
		if d := res.Delay(); d > 0 {
			res.Cancel()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "rate_limited",
				"message":    "too many requests",
			})
			return
		}
		c.Next()
	}
}
