// Package stdlib serves the paygate endpoints with net/http only, and
// offers a middleware that puts any handler behind the payment gateway.
package stdlib

import (
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/paygate"
	paygatehttp "github.com/x402-foundation/paygate/http"
)

// PaymentMiddleware serves next only to requests whose proof the gateway
// accepts. Everything else gets the 402 challenge.
func PaymentMiddleware(gateway *paygatehttp.Gateway) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(paygatehttp.ProofTokenHeader)
			payer := r.Header.Get(paygatehttp.ProofPayerHeader)
			if err := paygatehttp.ValidateProofHeaders(token, payer); err != nil {
				token, payer = "", ""
			}

			out := gateway.Serve(r.Context(), paygatehttp.GatewayRequest{ProofToken: token, ProofPayer: payer})
			if out.State != paygatehttp.StateUnlocked {
				writeJSON(w, out.Status, out.Challenge)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Options configures the handler
type Options struct {
	Logger  logrus.FieldLogger
	Limiter *paygatehttp.RateLimiter
	Metrics http.Handler
}

// NewHandler mounts the paygate endpoints on a ServeMux
func NewHandler(server *paygatehttp.Server, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /resource", func(w http.ResponseWriter, r *http.Request) {
		write(w, server.Resource(r.Context(),
			r.Header.Get(paygatehttp.ProofTokenHeader),
			r.Header.Get(paygatehttp.ProofPayerHeader)))
	})
	mux.HandleFunc("POST /facilitators/{name}", func(w http.ResponseWriter, r *http.Request) {
		if opts.Limiter != nil && !opts.Limiter.Allow(clientIP(r)) {
			write(w, opts.Limiter.RateLimited())
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, paygatehttp.MaxSettleBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, x402.ErrorResponse{
				Error:   "Invalid settlement request",
				Details: "request body could not be read",
			})
			return
		}
		write(w, server.Settle(r.Context(), r.PathValue("name"), body))
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		write(w, server.Stats(r.Context()))
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		write(w, server.Health())
	})
	mux.Handle("GET /metrics", opts.Metrics)

	return withRequestID(opts.Logger, mux)
}

// withRequestID tags the request, then logs it once served
func withRequestID(logger logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := paygatehttp.RequestID(r.Header.Get(paygatehttp.RequestIDHeader))
		w.Header().Set(paygatehttp.RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(x402.WithRequestID(r.Context(), id)))

		logger.WithFields(logrus.Fields{
			"remote_ip":  clientIP(r),
			"method":     r.Method,
			"uri":        r.URL.RequestURI(),
			"status":     rec.status,
			"request_id": id,
		}).Info("http_request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func write(w http.ResponseWriter, resp paygatehttp.Response) {
	writeJSON(w, resp.Status, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
