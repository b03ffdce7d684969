// Package echo serves the paygate endpoints with echo, as an alternative to
// the gin router
package echo

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/paygate"
	paygatehttp "github.com/x402-foundation/paygate/http"
)

// Options configures the router
type Options struct {
	Logger  logrus.FieldLogger
	Limiter *paygatehttp.RateLimiter
	Metrics http.Handler
}

// NewRouter mounts the paygate endpoints on a new echo instance
func NewRouter(server *paygatehttp.Server, opts Options) *echo.Echo {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomiddleware.Recover())
	e.Use(requestID())
	e.Use(requestLogger(opts.Logger))

	e.GET("/resource", func(c echo.Context) error {
		req := c.Request()
		return write(c, server.Resource(req.Context(),
			req.Header.Get(paygatehttp.ProofTokenHeader),
			req.Header.Get(paygatehttp.ProofPayerHeader)))
	})

	e.POST("/facilitators/:name", func(c echo.Context) error {
		body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, paygatehttp.MaxSettleBody))
		if err != nil {
			return c.JSON(http.StatusBadRequest, x402.ErrorResponse{
				Error:   "Invalid settlement request",
				Details: "request body could not be read",
			})
		}
		return write(c, server.Settle(c.Request().Context(), c.Param("name"), body))
	}, rateLimit(opts.Limiter))

	e.GET("/stats", func(c echo.Context) error {
		return write(c, server.Stats(c.Request().Context()))
	})
	e.GET("/health", func(c echo.Context) error {
		return write(c, server.Health())
	})
	e.GET("/metrics", echo.WrapHandler(opts.Metrics))

	return e
}

func write(c echo.Context, resp paygatehttp.Response) error {
	return c.JSON(resp.Status, resp.Body)
}

func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := paygatehttp.RequestID(c.Request().Header.Get(echo.HeaderXRequestID))
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			c.SetRequest(c.Request().WithContext(x402.WithRequestID(c.Request().Context(), id)))
			return next(c)
		}
	}
}

func requestLogger(logger logrus.FieldLogger) echo.MiddlewareFunc {
	return echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogMethod:   true,
		LogRemoteIP: true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"request_id": x402.RequestIDFromContext(c.Request().Context()),
			})
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	})
}

func rateLimit(limiter *paygatehttp.RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil || limiter.Allow(c.RealIP()) {
				return next(c)
			}
			return write(c, limiter.RateLimited())
		}
	}
}
