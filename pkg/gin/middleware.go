package gin

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/paygate"
	paygatehttp "github.com/x402-foundation/paygate/http"
)

// RequestID tags every request with a correlation id, echoed back in the
// X-Request-Id header and carried on the request context
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := paygatehttp.RequestID(c.GetHeader(paygatehttp.RequestIDHeader))
		c.Header(paygatehttp.RequestIDHeader, id)
		c.Request = c.Request.WithContext(x402.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// Logger writes one structured line per request
func Logger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		entry := logger.WithFields(logrus.Fields{
			"remote_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"uri":        c.Request.URL.RequestURI(),
			"status":     c.Writer.Status(),
			"latency":    latency.String(),
			"latency_ns": latency.Nanoseconds(),
			"request_id": x402.RequestIDFromContext(c.Request.Context()),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}
		entry.Info("http_request")
	}
}

// RateLimit rejects clients that exceed the limiter's budget with 429
func RateLimit(limiter *paygatehttp.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limiter.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		resp := limiter.RateLimited()
		c.AbortWithStatusJSON(resp.Status, resp.Body)
	}
}
