package facilitator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/ledger"
	x402evm "github.com/x402-foundation/paygate/mechanisms/evm"
)

const testOwnerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

var testNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return testNow }

func testOwner(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.HexToECDSA(testOwnerKey)
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func unsignedPermit(owner string, value int64) x402.PermitSettlementRequest {
	return x402.PermitSettlementRequest{
		Owner:    owner,
		Value:    big.NewInt(value),
		Deadline: big.NewInt(testNow.Add(time.Hour).Unix()),
		V:        27,
		R:        "0x" + strings.Repeat("11", 32),
		S:        "0x" + strings.Repeat("22", 32),
	}
}

func signPermit(t *testing.T, key *ecdsa.PrivateKey, owner string, value, nonce int64) x402.PermitSettlementRequest {
	t.Helper()
	deadline := big.NewInt(testNow.Add(time.Hour).Unix())
	domain := x402evm.PermitDomain("USDx", "", nil, testToken)
	digest, err := x402evm.HashTypedData(domain, x402evm.GetPermitEIP712Types(), "Permit",
		x402evm.PermitMessage(owner, testWallet, big.NewInt(value), big.NewInt(nonce), deadline))
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	v, r, s, err := x402evm.SplitSignature(sig)
	require.NoError(t, err)
	return x402.PermitSettlementRequest{Owner: owner, Value: big.NewInt(value), Deadline: deadline, V: v, R: r, S: s}
}

func newSigningEngine(t *testing.T, chain *mockChain) (*Engine, *ledger.MemoryLedger) {
	t.Helper()
	l := ledger.NewMemoryLedger()
	engine, err := NewEngine(Config{
		Facilitator: testFacilitator("alpha", 50),
		Token:       testToken,
		Asset:       "USDx",
		Merchant:    testMerchant,
		TokenName:   "USDx",
	}, chain, l, WithClock(fixedClock))
	require.NoError(t, err)
	return engine, l
}

// ============================================================================
// Direct mode
// ============================================================================

func TestSettleDirect(t *testing.T) {
	chain := newMockChain()
	chain.setBalance(testWallet, 5_000_000)
	engine, l := newTestEngine(t, chain, 50, WithClock(fixedClock))

	receipt, err := engine.Settle(context.Background(), x402.DirectSettlementRequest{})
	require.NoError(t, err)

	assert.Equal(t, x402.ModeDirect, receipt.Mode)
	assert.Equal(t, "1000000", receipt.Amount.String())
	assert.Equal(t, "0", receipt.Fee.String())
	assert.Equal(t, uint32(50), receipt.FeeBps)
	assert.Equal(t, "0.5%", receipt.FeeLabel)
	assert.Equal(t, "21000", receipt.GasCost.String())
	assert.Equal(t, testWallet, receipt.Payer)
	assert.Equal(t, testWallet, receipt.FacilitatorAddress)
	assert.Equal(t, "5000000", receipt.BalanceBefore.String())
	assert.Equal(t, "4000000", receipt.BalanceAfter.String())
	assert.Equal(t, "1000000", chain.balance(testMerchant).String())

	writes := chain.writeLog()
	require.Len(t, writes, 1)
	assert.Equal(t, x402evm.FunctionTransfer, writes[0].function)

	rec, found, err := l.GetByHash(context.Background(), receipt.TxHash)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(0), rec.FeeBps)
	assert.Equal(t, rec.GrossValue.String(), rec.NetAmount.String())
	assert.Equal(t, testWallet, rec.Payer)
	assert.Equal(t, testMerchant, rec.Recipient)
}

func TestSettleDirectInsufficientGas(t *testing.T) {
	chain := newMockChain()
	chain.native = new(big.Int)
	chain.setBalance(testWallet, 5_000_000)
	engine, l := newTestEngine(t, chain, 50)

	_, err := engine.Settle(context.Background(), x402.DirectSettlementRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrInsufficientGas)
	assert.Contains(t, err.Error(), testWallet)
	assert.Empty(t, chain.writeLog())

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Facilitators["alpha"].FailureCount)
}

func TestSettleDirectInsufficientTokenBalance(t *testing.T) {
	chain := newMockChain()
	chain.setBalance(testWallet, 999_999)
	engine, _ := newTestEngine(t, chain, 50)

	_, err := engine.Settle(context.Background(), x402.DirectSettlementRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrInsufficientTokenBalance)

	var se *x402.SettlementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 400, se.HTTPStatus())
	assert.Empty(t, chain.writeLog())
}

// ============================================================================
// Permit mode
// ============================================================================

func TestSettlePermitDeductsFee(t *testing.T) {
	tests := []struct {
		name   string
		feeBps uint32
		value  int64
		fee    string
		net    string
	}{
		{"alpha 0.5%", 50, 1_000_000, "5000", "995000"},
		{"gamma 2.0%", 200, 1_000_000, "20000", "980000"},
		{"rounds down", 50, 199, "0", "199"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, owner := testOwner(t)
			chain := newMockChain()
			chain.setBalance(owner, 10_000_000)
			engine, l := newTestEngine(t, chain, tt.feeBps, WithClock(fixedClock))

			receipt, err := engine.Settle(context.Background(), unsignedPermit(owner, tt.value))
			require.NoError(t, err)

			assert.Equal(t, x402.ModePermit, receipt.Mode)
			assert.Equal(t, tt.fee, receipt.Fee.String())
			assert.Equal(t, tt.net, receipt.Amount.String())
			assert.Equal(t, owner, receipt.Payer)
			assert.Equal(t, "42000", receipt.GasCost.String())
			assert.Equal(t, uint64(42_000), receipt.GasUsed)
			assert.Equal(t, tt.net, chain.balance(testMerchant).String())

			writes := chain.writeLog()
			require.Len(t, writes, 2)
			assert.Equal(t, x402evm.FunctionPermit, writes[0].function)
			assert.Equal(t, common.HexToAddress(testWallet), writes[0].args[1])
			assert.Equal(t, x402evm.FunctionTransferFrom, writes[1].function)
			assert.Equal(t, receipt.TxHash, writes[1].hash)

			rec, found, err := l.GetByHash(context.Background(), receipt.TxHash)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, tt.net, rec.NetAmount.String())
			assert.Equal(t, tt.feeBps, rec.FeeBps)
			assert.Equal(t, x402.NetAmount(rec.GrossValue, rec.FeeBps).String(), rec.NetAmount.String())
		})
	}
}

func TestSettlePermitExpiredMakesNoChainCalls(t *testing.T) {
	_, owner := testOwner(t)
	chain := newMockChain()
	chain.setBalance(owner, 10_000_000)
	engine, l := newTestEngine(t, chain, 50, WithClock(fixedClock))

	permit := unsignedPermit(owner, 1_000_000)
	permit.Deadline = big.NewInt(testNow.Unix())

	_, err := engine.Settle(context.Background(), permit)
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrPermitExpired)
	assert.Equal(t, 0, chain.calls())

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Facilitators["alpha"].FailureCount)
}

func TestSettlePermitOwnerBalanceChecked(t *testing.T) {
	_, owner := testOwner(t)
	chain := newMockChain()
	chain.setBalance(owner, 10)
	engine, _ := newTestEngine(t, chain, 50, WithClock(fixedClock))

	_, err := engine.Settle(context.Background(), unsignedPermit(owner, 1_000_000))
	assert.ErrorIs(t, err, x402.ErrInsufficientTokenBalance)
	assert.Empty(t, chain.writeLog())
}

func TestSettlePermitWriteErrorPassesThrough(t *testing.T) {
	_, owner := testOwner(t)
	chain := newMockChain()
	chain.setBalance(owner, 10_000_000)
	chain.writeErr[x402evm.FunctionPermit] = x402evm.ParseRevertError(
		errors.New("execution reverted: ERC2612InvalidSigner"), x402evm.FunctionPermit)
	engine, l := newTestEngine(t, chain, 50, WithClock(fixedClock))

	_, err := engine.Settle(context.Background(), unsignedPermit(owner, 1_000_000))
	assert.ErrorIs(t, err, x402.ErrPermitAlreadyUsed)

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Facilitators["alpha"].FailureCount)
	assert.Equal(t, uint64(0), snap.Totals.TotalSettlements)
}

func TestSettlePermitRevertedReceipt(t *testing.T) {
	_, owner := testOwner(t)
	chain := newMockChain()
	chain.setBalance(owner, 10_000_000)
	chain.failStatus[x402evm.FunctionTransferFrom] = true
	engine, _ := newTestEngine(t, chain, 50, WithClock(fixedClock))

	_, err := engine.Settle(context.Background(), unsignedPermit(owner, 1_000_000))
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrOnChainRevert)

	var se *x402.SettlementError
	require.ErrorAs(t, err, &se)
	writes := chain.writeLog()
	require.Len(t, writes, 2)
	assert.Equal(t, writes[1].hash, se.TxHash)
}

func TestSettlePendingIsNotAFailure(t *testing.T) {
	_, owner := testOwner(t)
	chain := newMockChain()
	chain.setBalance(owner, 10_000_000)
	chain.waitErr = x402.NewPendingError("0x"+strings.Repeat("ab", 32), time.Minute)
	engine, l := newTestEngine(t, chain, 50, WithClock(fixedClock))

	_, err := engine.Settle(context.Background(), unsignedPermit(owner, 1_000_000))
	require.Error(t, err)

	var se *x402.SettlementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, x402.CategoryPending, se.Category())
	assert.Equal(t, 202, se.HTTPStatus())
	assert.NotEmpty(t, se.TxHash)
	// Only the permit was submitted; nothing is resent
	assert.Len(t, chain.writeLog(), 1)

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Facilitators["alpha"].FailureCount)
}

func TestSettlePermitDedupe(t *testing.T) {
	_, owner := testOwner(t)
	chain := newMockChain()
	chain.setBalance(owner, 10_000_000)
	engine, _ := newTestEngine(t, chain, 50, WithClock(fixedClock))
	permit := unsignedPermit(owner, 1_000_000)

	first, err := engine.Settle(context.Background(), permit)
	require.NoError(t, err)
	second, err := engine.Settle(context.Background(), permit)
	require.NoError(t, err)

	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Len(t, chain.writeLog(), 2)
}

func TestSettlePermitSignatureCheck(t *testing.T) {
	key, owner := testOwner(t)
	chain := newMockChain()
	chain.setBalance(owner, 10_000_000)
	engine, _ := newSigningEngine(t, chain)

	permit := signPermit(t, key, owner, 1_000_000, 0)

	tampered := permit
	tampered.Value = big.NewInt(2_000_000)
	_, err := engine.Settle(context.Background(), tampered)
	assert.ErrorIs(t, err, x402.ErrValidation)
	assert.Empty(t, chain.writeLog())

	receipt, err := engine.Settle(context.Background(), permit)
	require.NoError(t, err)
	assert.Equal(t, "995000", receipt.Amount.String())
}

func TestSettlePermitReplayIsAlreadyUsed(t *testing.T) {
	key, owner := testOwner(t)
	chain := newMockChain()
	chain.setBalance(owner, 10_000_000)
	permit := signPermit(t, key, owner, 1_000_000, 0)

	first, _ := newSigningEngine(t, chain)
	_, err := first.Settle(context.Background(), permit)
	require.NoError(t, err)
	require.Len(t, chain.writeLog(), 2)

	// A second engine has its own dedupe cache, so only the nonce catches it
	second, _ := newSigningEngine(t, chain)
	_, err = second.Settle(context.Background(), permit)
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrPermitAlreadyUsed)
	assert.Contains(t, err.Error(), "nonce 0")
	assert.Len(t, chain.writeLog(), 2)
}

func TestSettlePermitSurvivesCallerCancellation(t *testing.T) {
	_, owner := testOwner(t)
	chain := newMockChain()
	chain.setBalance(owner, 10_000_000)
	engine, l := newTestEngine(t, chain, 50, WithClock(fixedClock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chain.onWrite = func(function string) {
		if function == x402evm.FunctionPermit {
			cancel()
		}
	}

	receipt, err := engine.Settle(ctx, unsignedPermit(owner, 1_000_000))
	require.NoError(t, err)

	writes := chain.writeLog()
	require.Len(t, writes, 2)
	assert.Equal(t, x402evm.FunctionTransferFrom, writes[1].function)
	assert.Equal(t, "995000", chain.balance(testMerchant).String())

	_, found, err := l.GetByHash(context.Background(), receipt.TxHash)
	require.NoError(t, err)
	assert.True(t, found)

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Facilitators["alpha"].FailureCount)
}

func TestSettleTimeoutAfterSubmissionIsPending(t *testing.T) {
	chain := newMockChain()
	chain.setBalance(testWallet, 5_000_000)
	chain.waitGate = make(chan struct{})
	engine, l := newTestEngine(t, chain, 50, WithSettleTimeout(20*time.Millisecond))

	_, err := engine.Settle(context.Background(), x402.DirectSettlementRequest{})
	require.Error(t, err)

	var se *x402.SettlementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, x402.ErrCodeConfirmationTimeout, se.Code)
	assert.Equal(t, 202, se.HTTPStatus())
	writes := chain.writeLog()
	require.Len(t, writes, 1)
	assert.Equal(t, writes[0].hash, se.TxHash)

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Facilitators["alpha"].FailureCount)
}

// ============================================================================
// Serialization
// ============================================================================

func TestConcurrentSettlementsUseIncreasingNonces(t *testing.T) {
	chain := newMockChain()
	chain.setBalance(testWallet, 100_000_000)
	engine, l := newTestEngine(t, chain, 50, WithQueue(NewWalletQueue(10*time.Second)))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Settle(context.Background(), x402.DirectSettlementRequest{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("settlement failed: %v", err)
	}

	writes := chain.writeLog()
	require.Len(t, writes, n)
	for i := 1; i < len(writes); i++ {
		assert.Greater(t, writes[i].nonce, writes[i-1].nonce)
	}
	assert.Equal(t, 0, chain.overlaps, "a write was submitted before the previous one confirmed")

	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(n), snap.Totals.TotalSettlements)
	assert.Equal(t, big.NewInt(n*1_000_000).String(), snap.Totals.TotalValue.String())
}

func TestSettleBusyWhenWalletHeld(t *testing.T) {
	chain := newMockChain()
	chain.setBalance(testWallet, 10_000_000)
	chain.waitGate = make(chan struct{})
	engine, _ := newTestEngine(t, chain, 50, WithQueue(NewWalletQueue(20*time.Millisecond)))

	firstDone := make(chan error, 1)
	go func() {
		_, err := engine.Settle(context.Background(), x402.DirectSettlementRequest{})
		firstDone <- err
	}()

	require.Eventually(t, func() bool { return len(chain.writeLog()) == 1 }, time.Second, time.Millisecond)

	_, err := engine.Settle(context.Background(), x402.DirectSettlementRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrBusy)

	var se *x402.SettlementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 409, se.HTTPStatus())

	close(chain.waitGate)
	require.NoError(t, <-firstDone)
}

// ============================================================================
// Hooks
// ============================================================================

func TestBeforeHookAborts(t *testing.T) {
	chain := newMockChain()
	engine, _ := newTestEngine(t, chain, 50)
	engine.OnBeforeSettle(func(ctx x402.SettleContext) (*x402.BeforeHookResult, error) {
		return &x402.BeforeHookResult{Abort: true, Reason: "payer blocked"}, nil
	})

	_, err := engine.Settle(context.Background(), x402.DirectSettlementRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrValidation)
	assert.Contains(t, err.Error(), "payer blocked")
	assert.Equal(t, 0, chain.calls())
}

func TestHooksObserveOutcome(t *testing.T) {
	chain := newMockChain()
	chain.setBalance(testWallet, 1_000_000)
	engine, _ := newTestEngine(t, chain, 50)

	var afterCalls, failureCalls int
	var requestID string
	engine.
		OnAfterSettle(func(ctx x402.SettleResultContext) error {
			afterCalls++
			requestID = ctx.RequestID
			return errors.New("ignored")
		}).
		OnSettleFailure(func(ctx x402.SettleFailureContext) error {
			failureCalls++
			return nil
		})

	ctx := x402.WithRequestID(context.Background(), "req-1")
	_, err := engine.Settle(ctx, x402.DirectSettlementRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, afterCalls)
	assert.Equal(t, "req-1", requestID)

	// Wallet is now empty
	_, err = engine.Settle(ctx, x402.DirectSettlementRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, failureCalls)
}

func TestNewEngineValidatesConfig(t *testing.T) {
	l := ledger.NewMemoryLedger()
	_, err := NewEngine(Config{Token: "nope", Merchant: testMerchant}, newMockChain(), l)
	assert.ErrorIs(t, err, x402.ErrConfiguration)

	_, err = NewEngine(Config{Token: testToken, Merchant: testMerchant}, nil, l)
	assert.ErrorIs(t, err, x402.ErrConfiguration)

	_, err = NewEngine(Config{Token: testToken, Merchant: testMerchant}, newMockChain(), nil)
	assert.ErrorIs(t, err, x402.ErrConfiguration)
}
