package stdlib

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/facilitator"
	paygatehttp "github.com/x402-foundation/paygate/http"
	"github.com/x402-foundation/paygate/ledger"
)

const (
	paidHash  = "0x1111111111111111111111111111111111111111111111111111111111111111"
	testPayer = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

type acceptVerifier struct{}

func (acceptVerifier) Verify(_ context.Context, txRef, _ string, _ *big.Int) bool {
	return txRef == paidHash
}

func newGateway(t *testing.T) (*paygatehttp.Gateway, *facilitator.Registry, *ledger.MemoryLedger) {
	t.Helper()
	registry := facilitator.NewRegistry().
		RegisterOffline(x402.Facilitator{Name: "beta", FeeBps: 100, Endpoint: "/facilitators/beta"})
	l := ledger.NewMemoryLedger()
	gateway, err := paygatehttp.NewGateway(paygatehttp.GatewayConfig{
		Price: "2", Asset: "USDx", Decimals: 6, Payload: "premium",
	}, registry, acceptVerifier{}, l, nil)
	require.NoError(t, err)
	return gateway, registry, l
}

func TestPaymentMiddleware(t *testing.T) {
	gateway, _, _ := newGateway(t)
	protected := PaymentMiddleware(gateway)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("report"))
	}))

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"no proof", nil, http.StatusPaymentRequired},
		{"malformed proof", map[string]string{paygatehttp.ProofTokenHeader: "0x12"}, http.StatusPaymentRequired},
		{"unverified proof", map[string]string{
			paygatehttp.ProofTokenHeader: "0x2222222222222222222222222222222222222222222222222222222222222222",
			paygatehttp.ProofPayerHeader: testPayer,
		}, http.StatusPaymentRequired},
		{"verified proof", map[string]string{
			paygatehttp.ProofTokenHeader: paidHash,
			paygatehttp.ProofPayerHeader: testPayer,
		}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/report", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "report", rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"facilitators"`)
			}
		})
	}
}

func TestHandlerRoutes(t *testing.T) {
	gateway, registry, l := newGateway(t)
	logger, hook := test.NewNullLogger()
	server := paygatehttp.NewServer(paygatehttp.ServerConfig{Asset: "USDx", Decimals: 6}, gateway, registry, l, logger)
	h := NewHandler(server, Options{
		Logger:  logger,
		Limiter: paygatehttp.NewRateLimiter(0.001, 1),
		Metrics: promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
	})

	serve := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusPaymentRequired, serve(http.MethodGet, "/resource").Code)
	// beta is advertised but offline
	assert.Equal(t, http.StatusBadRequest, serve(http.MethodPost, "/facilitators/beta").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(http.MethodPost, "/facilitators/beta").Code)
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/stats").Code)
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/metrics").Code)

	rec := serve(http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(paygatehttp.RequestIDHeader))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "/health", entry.Data["uri"])
	assert.Equal(t, http.StatusOK, entry.Data["status"])
}
