package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/ledger"
	x402evm "github.com/x402-foundation/paygate/mechanisms/evm"
)

const (
	testWallet   = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testToken    = "0x64544969ed7EBf5f083679233325356EbE738930"
	testMerchant = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

type writeCall struct {
	function string
	args     []interface{}
	nonce    uint64
	hash     string
}

// mockChain is an in-memory token contract behind the FacilitatorEvmSigner
// interface. Writes are applied immediately and mined on the next wait.
type mockChain struct {
	mu sync.Mutex

	address  string
	native   *big.Int
	gasPerTx *big.Int
	decimals uint8
	balances map[string]*big.Int
	nonces   map[string]*big.Int

	writeErr   map[string]error
	waitErr    error
	failStatus map[string]bool
	waitGate   chan struct{}
	onWrite    func(function string)

	nextNonce   uint64
	writes      []writeCall
	reads       int
	unconfirmed int
	overlaps    int
}

func newMockChain() *mockChain {
	return &mockChain{
		address:    testWallet,
		native:     big.NewInt(1_000_000_000),
		gasPerTx:   big.NewInt(21_000),
		decimals:   6,
		balances:   make(map[string]*big.Int),
		nonces:     make(map[string]*big.Int),
		writeErr:   make(map[string]error),
		failStatus: make(map[string]bool),
	}
}

func (m *mockChain) setBalance(address string, units int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[strings.ToLower(address)] = big.NewInt(units)
}

func (m *mockChain) balance(address string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(address)
}

func (m *mockChain) balanceLocked(address string) *big.Int {
	b, ok := m.balances[strings.ToLower(address)]
	if !ok {
		b = new(big.Int)
		m.balances[strings.ToLower(address)] = b
	}
	return b
}

func (m *mockChain) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads + len(m.writes)
}

func (m *mockChain) writeLog() []writeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]writeCall(nil), m.writes...)
}

func (m *mockChain) Address() string {
	return m.address
}

func (m *mockChain) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return new(big.Int).Set(m.native), nil
}

func (m *mockChain) ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++

	switch functionName {
	case x402evm.FunctionDecimals:
		return m.decimals, nil
	case x402evm.FunctionBalanceOf:
		owner := args[0].(common.Address)
		return new(big.Int).Set(m.balanceLocked(owner.Hex())), nil
	case x402evm.FunctionNonces:
		owner := args[0].(common.Address)
		if n, ok := m.nonces[strings.ToLower(owner.Hex())]; ok {
			return new(big.Int).Set(n), nil
		}
		return new(big.Int), nil
	}
	return nil, fmt.Errorf("unexpected read %s", functionName)
}

func (m *mockChain) WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unconfirmed > 0 {
		m.overlaps++
	}
	if err := m.writeErr[functionName]; err != nil {
		return "", err
	}

	nonce := m.nextNonce
	m.nextNonce++
	hash := fmt.Sprintf("0x%064x", nonce+1)
	m.writes = append(m.writes, writeCall{function: functionName, args: args, nonce: nonce, hash: hash})
	m.native.Sub(m.native, m.gasPerTx)
	m.unconfirmed++
	if m.onWrite != nil {
		m.onWrite(functionName)
	}

	if m.failStatus[functionName] {
		return hash, nil
	}
	switch functionName {
	case x402evm.FunctionTransfer:
		to := args[0].(common.Address)
		amount := args[1].(*big.Int)
		m.balanceLocked(m.address).Sub(m.balanceLocked(m.address), amount)
		m.balanceLocked(to.Hex()).Add(m.balanceLocked(to.Hex()), amount)
	case x402evm.FunctionPermit:
		owner := args[0].(common.Address)
		key := strings.ToLower(owner.Hex())
		n, ok := m.nonces[key]
		if !ok {
			n = new(big.Int)
		}
		m.nonces[key] = new(big.Int).Add(n, big.NewInt(1))
	case x402evm.FunctionTransferFrom:
		from := args[0].(common.Address)
		to := args[1].(common.Address)
		amount := args[2].(*big.Int)
		m.balanceLocked(from.Hex()).Sub(m.balanceLocked(from.Hex()), amount)
		m.balanceLocked(to.Hex()).Add(m.balanceLocked(to.Hex()), amount)
	}
	return hash, nil
}

func (m *mockChain) WaitForTransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.waitGate != nil {
		select {
		case <-m.waitGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.unconfirmed--
	if m.waitErr != nil {
		return nil, m.waitErr
	}

	status := uint64(x402evm.TxStatusSuccess)
	for _, w := range m.writes {
		if w.hash == txHash && m.failStatus[w.function] {
			status = x402evm.TxStatusFailed
		}
	}
	return &x402evm.TransactionReceipt{
		Status:      status,
		BlockNumber: 1000 + uint64(len(m.writes)),
		TxHash:      txHash,
		GasUsed:     21_000,
	}, nil
}

var _ x402evm.FacilitatorEvmSigner = (*mockChain)(nil)

func testFacilitator(name string, feeBps uint32) x402.Facilitator {
	return x402.Facilitator{
		Name:     name,
		FeeBps:   feeBps,
		Endpoint: "/facilitators/" + name,
	}
}

func newTestEngine(t *testing.T, chain *mockChain, feeBps uint32, opts ...Option) (*Engine, *ledger.MemoryLedger) {
	t.Helper()
	l := ledger.NewMemoryLedger()
	engine, err := NewEngine(Config{
		Facilitator: testFacilitator("alpha", feeBps),
		Token:       testToken,
		Asset:       "USDx",
		Price:       "1",
		Merchant:    testMerchant,
	}, chain, l, opts...)
	require.NoError(t, err)
	return engine, l
}
