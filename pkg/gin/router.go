// Package gin serves the paygate endpoints with gin
package gin

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/paygate"
	paygatehttp "github.com/x402-foundation/paygate/http"
)

// Options configures the router
type Options struct {
	// Logger receives request logs. Defaults to the standard logger.
	Logger logrus.FieldLogger

	// Limiter throttles POST /facilitators/:name per client (optional)
	Limiter *paygatehttp.RateLimiter

	// Metrics serves GET /metrics. Defaults to promhttp.Handler().
	Metrics http.Handler
}

// NewRouter mounts the paygate endpoints on a new gin engine
func NewRouter(server *paygatehttp.Server, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Logger(opts.Logger))

	r.GET("/resource", func(c *gin.Context) {
		write(c, server.Resource(c.Request.Context(),
			c.GetHeader(paygatehttp.ProofTokenHeader),
			c.GetHeader(paygatehttp.ProofPayerHeader)))
	})

	r.POST("/facilitators/:name", RateLimit(opts.Limiter), func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, paygatehttp.MaxSettleBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, x402.ErrorResponse{
				Error:   "Invalid settlement request",
				Details: "request body could not be read",
			})
			return
		}
		write(c, server.Settle(c.Request.Context(), c.Param("name"), body))
	})

	r.GET("/stats", func(c *gin.Context) {
		write(c, server.Stats(c.Request.Context()))
	})
	r.GET("/health", func(c *gin.Context) {
		write(c, server.Health())
	})
	r.GET("/metrics", gin.WrapH(opts.Metrics))

	return r
}

func write(c *gin.Context, resp paygatehttp.Response) {
	c.JSON(resp.Status, resp.Body)
}
