package http

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paygate"
)

func startGateway(t *testing.T, registry *mockRegistry, verifier *mockVerifier) (*httptest.Server, *Server) {
	t.Helper()
	server, l := newTestServer(t, registry, verifier)
	if registry.settleFn == nil {
		registry.settleFn = ledgerSettler(l, testHash(1))
	}
	ts := httptest.NewServer(serveMux(server))
	t.Cleanup(ts.Close)
	return ts, server
}

func TestPayAndRequestDirect(t *testing.T) {
	registry := newMockRegistry()
	verifier := newMockVerifier(testHash(1))
	ts, _ := startGateway(t, registry, verifier)

	result, err := NewOrchestrator().PayAndRequest(context.Background(), ts.URL+"/resource", PayOptions{})
	require.NoError(t, err)

	assert.JSONEq(t, `{"secret":"unlocked"}`, string(result.Data))
	require.NotNil(t, result.Settlement)
	assert.Equal(t, testHash(1), result.Settlement.TxHash)
	assert.Equal(t, "alpha", result.Settlement.Facilitator)
	assert.Equal(t, "995000", result.Settlement.Amount)
	assert.Equal(t, uint64(42), result.Settlement.BlockNumber)
	assert.Equal(t, ProofTokenHeader, result.Settlement.ProofHeader)

	require.Len(t, registry.requests, 1)
	assert.IsType(t, x402.DirectSettlementRequest{}, registry.requests[0])
}

func TestPayAndRequestFreeResourceSkipsSettlement(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/resource" {
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":"free"}`))
	}))
	defer ts.Close()

	result, err := NewOrchestrator().PayAndRequest(context.Background(), ts.URL+"/resource", PayOptions{})
	require.NoError(t, err)
	assert.Equal(t, `"free"`, string(result.Data))
	assert.Nil(t, result.Settlement)
}

func TestPayAndRequestPermit(t *testing.T) {
	registry := newMockRegistry()
	ts, _ := startGateway(t, registry, newMockVerifier(testHash(1)))

	permit := &x402.PermitSettlementRequest{
		Owner:    testPayer,
		Value:    big.NewInt(1_000_000),
		Deadline: big.NewInt(1_900_000_000),
		V:        28,
		R:        "0x" + strings.Repeat("11", 32),
		S:        "0x" + strings.Repeat("22", 32),
	}
	_, err := NewOrchestrator().PayAndRequest(context.Background(), ts.URL+"/resource",
		PayOptions{PreferredFacilitator: "Alpha", Permit: permit})
	require.NoError(t, err)

	require.Len(t, registry.requests, 1)
	got, ok := registry.requests[0].(x402.PermitSettlementRequest)
	require.True(t, ok)
	assert.Equal(t, permit.Value, got.Value)
	assert.Equal(t, permit.Deadline, got.Deadline)
	assert.Equal(t, uint8(28), got.V)
	assert.Equal(t, "alpha", registry.names[0])
}

func TestPayAndRequestSignsPermitForChosenFacilitator(t *testing.T) {
	registry := newMockRegistry()
	ts, _ := startGateway(t, registry, newMockVerifier(testHash(1)))

	var spender, price string
	signer := func(_ context.Context, quote x402.FacilitatorQuote, challenge x402.PaymentChallenge) (*x402.PermitSettlementRequest, error) {
		spender, price = quote.Address, challenge.Price
		return &x402.PermitSettlementRequest{
			Owner:    testPayer,
			Value:    big.NewInt(1_000_000),
			Deadline: big.NewInt(1_900_000_000),
			V:        27,
			R:        "0x" + strings.Repeat("33", 32),
			S:        "0x" + strings.Repeat("44", 32),
		}, nil
	}

	_, err := NewOrchestrator().PayAndRequest(context.Background(), ts.URL+"/resource", PayOptions{SignPermit: signer})
	require.NoError(t, err)
	assert.Equal(t, testPayer, spender)
	assert.Equal(t, "1", price)

	require.Len(t, registry.requests, 1)
	assert.IsType(t, x402.PermitSettlementRequest{}, registry.requests[0])

	failing := func(context.Context, x402.FacilitatorQuote, x402.PaymentChallenge) (*x402.PermitSettlementRequest, error) {
		return nil, errors.New("nonce read failed")
	}
	_, err = NewOrchestrator().PayAndRequest(context.Background(), ts.URL+"/resource", PayOptions{SignPermit: failing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce read failed")
	assert.Equal(t, 1, registry.settleCount(), "no settlement without a permit")
}

func TestPayAndRequestErrors(t *testing.T) {
	t.Run("preferred facilitator not offered", func(t *testing.T) {
		registry := newMockRegistry()
		ts, _ := startGateway(t, registry, newMockVerifier())

		_, err := NewOrchestrator().PayAndRequest(context.Background(), ts.URL+"/resource",
			PayOptions{PreferredFacilitator: "delta"})
		assert.ErrorIs(t, err, ErrFacilitatorNotFound)
		assert.Equal(t, 0, registry.settleCount())
	})

	t.Run("facilitator rejects", func(t *testing.T) {
		registry := newMockRegistry()
		registry.settleFn = func(string, x402.SettlementRequest) (*x402.SettleReceipt, error) {
			return nil, x402.NewSettlementError(x402.ErrCodeInsufficientGas, "Insufficient gas", "fund the wallet")
		}
		ts, _ := startGateway(t, registry, newMockVerifier())

		_, err := NewOrchestrator().PayAndRequest(context.Background(), ts.URL+"/resource", PayOptions{})
		require.ErrorIs(t, err, ErrFacilitatorSettlementFailed)

		var oe *OrchestratorError
		require.True(t, errors.As(err, &oe))
		assert.Equal(t, http.StatusBadRequest, oe.Status)
		assert.Contains(t, oe.Body, "fund the wallet")
		assert.Nil(t, oe.Proof)
	})

	t.Run("pending settlement is not a payment", func(t *testing.T) {
		registry := newMockRegistry()
		registry.settleFn = func(string, x402.SettlementRequest) (*x402.SettleReceipt, error) {
			return nil, x402.NewPendingError(testHash(3), 0)
		}
		ts, _ := startGateway(t, registry, newMockVerifier())

		_, err := NewOrchestrator().PayAndRequest(context.Background(), ts.URL+"/resource", PayOptions{})
		require.ErrorIs(t, err, ErrPaymentNotConfirmed)

		var oe *OrchestratorError
		require.True(t, errors.As(err, &oe))
		assert.Equal(t, http.StatusAccepted, oe.Status)
		assert.Contains(t, oe.Body, testHash(3))
		require.NotNil(t, oe.Proof)
		assert.Equal(t, testHash(3), oe.Proof.TxHash)
		assert.Equal(t, "alpha", oe.Proof.Facilitator)
		assert.Equal(t, ProofTokenHeader, oe.Proof.ProofHeader)
	})

	t.Run("malformed challenge", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(x402.PaymentChallenge{Price: "1", Asset: "USDx"})
		}))
		defer ts.Close()

		_, err := NewOrchestrator().PayAndRequest(context.Background(), ts.URL, PayOptions{})
		assert.ErrorIs(t, err, ErrMalformedChallenge)
	})

	t.Run("challenge is not JSON", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte("<html>pay up</html>"))
		}))
		defer ts.Close()

		_, err := NewOrchestrator().PayAndRequest(context.Background(), ts.URL, PayOptions{})
		assert.ErrorIs(t, err, ErrMalformedChallenge)
	})
}

func TestProofRejectedThenRetry(t *testing.T) {
	registry := newMockRegistry()
	verifier := newMockVerifier()
	ts, _ := startGateway(t, registry, verifier)
	orchestrator := NewOrchestrator()
	resource := ts.URL + "/resource"

	_, err := orchestrator.PayAndRequest(context.Background(), resource, PayOptions{})
	require.ErrorIs(t, err, ErrProofRejected)

	var oe *OrchestratorError
	require.True(t, errors.As(err, &oe))
	require.NotNil(t, oe.Proof)
	assert.Equal(t, http.StatusPaymentRequired, oe.Status)
	assert.Equal(t, testHash(1), oe.Proof.TxHash)

	// Once the chain confirms, the saved proof unlocks without paying again
	verifier.accept(oe.Proof.TxHash)
	result, err := orchestrator.RetryWithProof(context.Background(), resource, oe.Proof)
	require.NoError(t, err)
	assert.JSONEq(t, `{"secret":"unlocked"}`, string(result.Data))
	assert.Equal(t, 1, registry.settleCount())
}

func TestRetryWithProofRequiresHash(t *testing.T) {
	_, err := NewOrchestrator().RetryWithProof(context.Background(), "http://localhost/resource", nil)
	assert.Error(t, err)
}

func TestResolveEndpoint(t *testing.T) {
	got, err := resolveEndpoint("http://gateway:8080/resource", "/facilitators/alpha")
	require.NoError(t, err)
	assert.Equal(t, "http://gateway:8080/facilitators/alpha", got)

	got, err = resolveEndpoint("http://gateway:8080/resource", "https://other.example/settle")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example/settle", got)
}
