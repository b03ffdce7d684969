package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/ledger"
)

const (
	testPayer    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testMerchant = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

func testHash(b byte) string {
	return "0x" + strings.Repeat(fmt.Sprintf("%02x", b), 32)
}

type verifyCall struct {
	txRef  string
	payer  string
	amount *big.Int
}

// mockVerifier accepts exactly the hashes in valid
type mockVerifier struct {
	mu    sync.Mutex
	valid map[string]bool
	calls []verifyCall
}

func newMockVerifier(valid ...string) *mockVerifier {
	v := &mockVerifier{valid: make(map[string]bool)}
	for _, h := range valid {
		v.valid[h] = true
	}
	return v
}

func (v *mockVerifier) Verify(ctx context.Context, txRef, expectedPayer string, expectedAmount *big.Int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, verifyCall{txRef: txRef, payer: expectedPayer, amount: expectedAmount})
	return v.valid[txRef]
}

func (v *mockVerifier) accept(txRef string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.valid[txRef] = true
}

func (v *mockVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

// mockRegistry settles through settleFn and records what it was asked
type mockRegistry struct {
	mu           sync.Mutex
	facilitators []x402.Facilitator
	settleFn     func(name string, req x402.SettlementRequest) (*x402.SettleReceipt, error)
	requests     []x402.SettlementRequest
	names        []string
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		facilitators: []x402.Facilitator{
			{Name: "alpha", FeeBps: 50, Address: testPayer, Live: true, Endpoint: "/facilitators/alpha"},
			{Name: "beta", FeeBps: 100, Live: false, Endpoint: "/facilitators/beta"},
			{Name: "gamma", FeeBps: 200, Live: false, Endpoint: "/facilitators/gamma"},
		},
	}
}

func (r *mockRegistry) Quotes() []x402.FacilitatorQuote {
	quotes := make([]x402.FacilitatorQuote, len(r.facilitators))
	for i, f := range r.facilitators {
		quotes[i] = f.Quote()
	}
	return quotes
}

func (r *mockRegistry) MaxFeeBps() uint32 {
	var highest uint32
	for _, f := range r.facilitators {
		if f.FeeBps > highest {
			highest = f.FeeBps
		}
	}
	return highest
}

func (r *mockRegistry) Facilitators() []x402.Facilitator {
	return append([]x402.Facilitator(nil), r.facilitators...)
}

func (r *mockRegistry) Settle(ctx context.Context, name string, req x402.SettlementRequest) (*x402.SettleReceipt, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.names = append(r.names, name)
	fn := r.settleFn
	r.mu.Unlock()
	if fn == nil {
		return nil, x402.NewSettlementError(x402.ErrCodeFacilitatorUnknown, "Facilitator not found", name)
	}
	return fn(name, req)
}

func (r *mockRegistry) settleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

var _ FacilitatorRegistry = (*mockRegistry)(nil)

// ledgerSettler returns a settle func that appends a record like the engine
func ledgerSettler(l x402.SettlementLedger, txHash string) func(string, x402.SettlementRequest) (*x402.SettleReceipt, error) {
	return func(name string, req x402.SettlementRequest) (*x402.SettleReceipt, error) {
		receipt := &x402.SettleReceipt{
			TxHash:      txHash,
			BlockNumber: 42,
			Amount:      big.NewInt(995_000),
			Fee:         big.NewInt(5_000),
			FeeBps:      50,
			GasCost:     big.NewInt(21_000),
			Payer:       testPayer,
			Merchant:    testMerchant,
			Facilitator: name,
			Mode:        req.Mode(),
		}
		if _, err := l.Append(context.Background(), receipt.Record()); err != nil {
			return nil, err
		}
		return receipt, nil
	}
}

func newTestServer(t *testing.T, registry *mockRegistry, verifier *mockVerifier) (*Server, *ledger.MemoryLedger) {
	t.Helper()
	l := ledger.NewMemoryLedger()
	gateway, err := NewGateway(GatewayConfig{
		Price:    "1",
		Asset:    "USDx",
		Decimals: 6,
		Payload:  map[string]string{"secret": "unlocked"},
	}, registry, verifier, l, nil)
	require.NoError(t, err)
	return NewServer(ServerConfig{Asset: "USDx", Decimals: 6, Merchant: testMerchant}, gateway, registry, l, nil), l
}

// serveMux exposes a Server over net/http for orchestrator tests
func serveMux(s *Server) http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, resp Response) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		_ = json.NewEncoder(w).Encode(resp.Body)
	}
	mux.HandleFunc("/resource", func(w http.ResponseWriter, r *http.Request) {
		write(w, s.Resource(r.Context(), r.Header.Get(ProofTokenHeader), r.Header.Get(ProofPayerHeader)))
	})
	mux.HandleFunc("/facilitators/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		write(w, s.Settle(r.Context(), strings.TrimPrefix(r.URL.Path, "/facilitators/"), body))
	})
	return mux
}
