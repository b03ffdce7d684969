// Package facilitator executes settlements on-chain on behalf of payers.
//
// An Engine owns one facilitator wallet. It supports two modes chosen by the
// request variant: direct, where the wallet pays the fixed price from its
// own float, and permit, where the wallet redeems a payer's EIP-2612 permit
// and pulls the value minus its fee to the merchant. Every confirmed
// settlement is appended to the ledger before the receipt is returned.
package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	x402 "github.com/x402-foundation/paygate"
	x402evm "github.com/x402-foundation/paygate/mechanisms/evm"
)

const (
	// DefaultDedupeTTL keeps confirmed permit receipts for replays
	DefaultDedupeTTL = 10 * time.Minute

	// DefaultSettleTimeout bounds one settlement once it is detached from
	// the caller: the queue wait, two writes and their confirmations
	DefaultSettleTimeout = 3 * time.Minute

	// permitNonceLookback is how many consumed nonces are tried when a
	// permit signature does not match the current nonce
	permitNonceLookback = 32
)

// Config describes what an engine settles and where the money goes
type Config struct {
	Facilitator x402.Facilitator
	// Token is the ERC-20 contract address
	Token string
	// Asset is the token symbol reported in receipts
	Asset string
	// Price is the fixed direct-mode price as a decimal string, e.g. "1"
	Price string
	// Merchant receives every settlement
	Merchant string
	// ChainID, TokenName and TokenVersion describe the permit domain. When
	// TokenName is set, permit signatures are checked before submission.
	ChainID      *big.Int
	TokenName    string
	TokenVersion string
	// Faucet is suggested to operators in insufficient-gas errors
	Faucet string
}

// Engine settles requests for a single facilitator wallet
type Engine struct {
	cfg    Config
	signer x402evm.FacilitatorEvmSigner
	ledger x402.SettlementLedger
	queue  *WalletQueue
	cache  *x402.SettlementCache
	logger logrus.FieldLogger
	now    func() time.Time

	settleTimeout time.Duration

	hooksMu sync.RWMutex
	hooks   x402.SettleHooks

	decimalsMu sync.Mutex
	decimals   *uint8
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithQueue shares a wallet queue between engines
func WithQueue(queue *WalletQueue) Option {
	return func(e *Engine) {
		e.queue = queue
	}
}

// WithDedupeCache shares a permit dedupe cache between engines
func WithDedupeCache(cache *x402.SettlementCache) Option {
	return func(e *Engine) {
		e.cache = cache
	}
}

// WithClock overrides the engine's time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithSettleTimeout bounds each settlement after it leaves the caller's
// context
func WithSettleTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.settleTimeout = d
	}
}

// WithHooks registers a group of settle hooks
func WithHooks(hooks x402.SettleHooks) Option {
	return func(e *Engine) {
		e.hooks.Before = append(e.hooks.Before, hooks.Before...)
		e.hooks.After = append(e.hooks.After, hooks.After...)
		e.hooks.OnFailure = append(e.hooks.OnFailure, hooks.OnFailure...)
	}
}

// NewEngine creates an engine for the facilitator wallet behind signer
func NewEngine(cfg Config, signer x402evm.FacilitatorEvmSigner, ledger x402.SettlementLedger, opts ...Option) (*Engine, error) {
	if signer == nil {
		return nil, x402.NewConfigurationError(fmt.Sprintf("facilitator %s has no signer", cfg.Facilitator.Name))
	}
	if ledger == nil {
		return nil, x402.NewConfigurationError("settlement ledger is required")
	}
	if !x402evm.IsValidAddress(cfg.Token) {
		return nil, x402.NewConfigurationError(fmt.Sprintf("invalid token address: %q", cfg.Token))
	}
	if !x402evm.IsValidAddress(cfg.Merchant) {
		return nil, x402.NewConfigurationError(fmt.Sprintf("invalid merchant address: %q", cfg.Merchant))
	}
	if cfg.Price == "" {
		cfg.Price = "1"
	}
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(x402evm.DefaultChainID)
	}
	cfg.Facilitator.Address = signer.Address()
	cfg.Facilitator.Live = true

	e := &Engine{
		cfg:           cfg,
		signer:        signer,
		ledger:        ledger,
		now:           time.Now,
		settleTimeout: DefaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger()
	}
	e.logger = e.logger.WithField("facilitator", cfg.Facilitator.Name)
	if e.queue == nil {
		e.queue = NewWalletQueue(DefaultQueueWait)
	}
	if e.cache == nil {
		e.cache = x402.NewSettlementCache(DefaultDedupeTTL)
	}
	return e, nil
}

// Facilitator returns the live facilitator configuration
func (e *Engine) Facilitator() x402.Facilitator {
	return e.cfg.Facilitator
}

var _ x402.Settler = (*Engine)(nil)

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (e *Engine) OnBeforeSettle(hook x402.BeforeSettleHook) *Engine {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks.Before = append(e.hooks.Before, hook)
	return e
}

func (e *Engine) OnAfterSettle(hook x402.AfterSettleHook) *Engine {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks.After = append(e.hooks.After, hook)
	return e
}

func (e *Engine) OnSettleFailure(hook x402.OnSettleFailureHook) *Engine {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks.OnFailure = append(e.hooks.OnFailure, hook)
	return e
}

func (e *Engine) snapshotHooks() x402.SettleHooks {
	e.hooksMu.RLock()
	defer e.hooksMu.RUnlock()
	return x402.SettleHooks{
		Before:    append([]x402.BeforeSettleHook(nil), e.hooks.Before...),
		After:     append([]x402.AfterSettleHook(nil), e.hooks.After...),
		OnFailure: append([]x402.OnSettleFailureHook(nil), e.hooks.OnFailure...),
	}
}

// ============================================================================
// Settlement
// ============================================================================

// Settle executes req and records the result. Failures are returned as
// *x402.SettlementError. A confirmation timeout is reported as pending with
// the submitted hash and is never resubmitted.
//
// Once the before hooks pass, the settlement ignores ctx cancellation and is
// bounded by the settle timeout instead, so a broadcast transaction is always
// followed through to confirmation and the ledger.
func (e *Engine) Settle(ctx context.Context, req x402.SettlementRequest) (*x402.SettleReceipt, error) {
	if req == nil {
		return nil, x402.NewValidationError("settlement request is required")
	}

	requestID := x402.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = x402.WithRequestID(ctx, requestID)
	}
	logger := e.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"mode":       req.Mode(),
	})

	start := e.now()
	hookCtx := x402.SettleContext{
		Ctx:         ctx,
		RequestID:   requestID,
		Facilitator: e.cfg.Facilitator,
		Request:     req,
		Timestamp:   start,
	}
	hooks := e.snapshotHooks()

	for _, hook := range hooks.Before {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, x402.WrapSettlementError(x402.ErrCodeValidation, "Settlement rejected", err)
		}
		if result != nil && result.Abort {
			return nil, x402.NewValidationError(result.Reason)
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.settleTimeout)
	defer cancel()

	var (
		receipt *x402.SettleReceipt
		err     error
	)
	switch r := req.(type) {
	case x402.DirectSettlementRequest:
		receipt, err = e.settleDirect(ctx, logger)
	case x402.PermitSettlementRequest:
		receipt, err = e.settlePermitOnce(ctx, logger, r)
	default:
		err = x402.NewValidationError(fmt.Sprintf("unsupported settlement request %T", req))
	}

	if err != nil {
		se := x402.AsSettlementError(err)
		e.fail(ctx, logger, hooks, hookCtx, se, e.now().Sub(start))
		return nil, se
	}

	for _, hook := range hooks.After {
		if hookErr := hook(x402.SettleResultContext{
			SettleContext: hookCtx,
			Receipt:       *receipt,
			Duration:      e.now().Sub(start),
		}); hookErr != nil {
			logger.WithError(hookErr).Warn("after-settle hook failed")
		}
	}
	return receipt, nil
}

func (e *Engine) fail(ctx context.Context, logger logrus.FieldLogger, hooks x402.SettleHooks, hookCtx x402.SettleContext, se *x402.SettlementError, elapsed time.Duration) {
	entry := logger.WithFields(logrus.Fields{
		"code":    se.Code,
		"details": se.Details,
	})
	if se.TxHash != "" {
		entry = entry.WithField("tx_hash", se.TxHash)
	}
	if se.Cause != nil {
		entry = entry.WithError(se.Cause)
	}

	switch se.Category() {
	case x402.CategoryChainState, x402.CategoryChainExecution:
		entry.Error("settlement failed")
		if err := e.ledger.RecordFailure(ctx, e.cfg.Facilitator.Name); err != nil {
			logger.WithError(err).Error("failed to record settlement failure")
		}
	case x402.CategoryPending:
		entry.Warn("settlement pending confirmation")
	default:
		entry.Info("settlement rejected")
	}

	for _, hook := range hooks.OnFailure {
		if hookErr := hook(x402.SettleFailureContext{
			SettleContext: hookCtx,
			Error:         se,
			Duration:      elapsed,
		}); hookErr != nil {
			logger.WithError(hookErr).Warn("settle-failure hook failed")
		}
	}
}

// ============================================================================
// Direct mode
// ============================================================================

func (e *Engine) settleDirect(ctx context.Context, logger logrus.FieldLogger) (*x402.SettleReceipt, error) {
	wallet := e.signer.Address()

	release, err := e.queue.Acquire(ctx, wallet)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		nativeBefore *big.Int
		tokenBefore  *big.Int
		decimals     uint8
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		nativeBefore, err = e.signer.NativeBalance(gctx, wallet)
		return err
	})
	g.Go(func() error {
		var err error
		tokenBefore, err = e.tokenBalance(gctx, wallet)
		return err
	})
	g.Go(func() error {
		var err error
		decimals, err = e.tokenDecimals(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if nativeBefore.Sign() <= 0 {
		return nil, e.insufficientGas(wallet)
	}

	price, err := x402.ToTokenUnits(e.cfg.Price, decimals)
	if err != nil {
		return nil, x402.NewConfigurationError(fmt.Sprintf("invalid price %q: %v", e.cfg.Price, err))
	}
	if tokenBefore.Cmp(price) < 0 {
		return nil, x402.NewSettlementError(
			x402.ErrCodeInsufficientTokenBalance,
			"Insufficient token balance",
			fmt.Sprintf("facilitator wallet %s holds %s %s but the price is %s %s; top up the wallet",
				wallet, x402.FromTokenUnits(tokenBefore, decimals), e.cfg.Asset, e.cfg.Price, e.cfg.Asset),
		)
	}

	txHash, err := e.signer.WriteContract(ctx, e.cfg.Token, x402evm.ERC20TransferABI, x402evm.FunctionTransfer,
		common.HexToAddress(e.cfg.Merchant), price)
	if err != nil {
		return nil, err
	}
	logger.WithField("tx_hash", txHash).Info("direct transfer submitted")

	chainReceipt, err := e.confirm(ctx, txHash, x402evm.FunctionTransfer)
	if err != nil {
		return nil, err
	}

	var nativeAfter, tokenAfter *big.Int
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		nativeAfter, err = e.signer.NativeBalance(gctx, wallet)
		return err
	})
	g.Go(func() error {
		var err error
		tokenAfter, err = e.tokenBalance(gctx, wallet)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.WithError(err).Warn("post-settlement balance read failed")
	}

	receipt := &x402.SettleReceipt{
		TxHash:             chainReceipt.TxHash,
		BlockNumber:        chainReceipt.BlockNumber,
		Amount:             price,
		Fee:                new(big.Int),
		FeeBps:             e.cfg.Facilitator.FeeBps,
		FeeLabel:           x402.FormatFeeRate(e.cfg.Facilitator.FeeBps),
		GasCost:            gasSpent(nativeBefore, nativeAfter),
		GasUsed:            chainReceipt.GasUsed,
		Payer:              wallet,
		Merchant:           e.cfg.Merchant,
		Asset:              e.cfg.Asset,
		Facilitator:        e.cfg.Facilitator.Name,
		FacilitatorAddress: wallet,
		Mode:               x402.ModeDirect,
		BalanceBefore:      tokenBefore,
		BalanceAfter:       tokenAfter,
		Timestamp:          e.now().UTC(),
	}
	e.record(ctx, logger, receipt)
	return receipt, nil
}

// ============================================================================
// Permit mode
// ============================================================================

// settlePermitOnce collapses resubmissions of the same signed permit onto a
// single on-chain settlement
func (e *Engine) settlePermitOnce(ctx context.Context, logger logrus.FieldLogger, p x402.PermitSettlementRequest) (*x402.SettleReceipt, error) {
	if err := e.validatePermit(p); err != nil {
		return nil, err
	}
	key := p.DedupeKey(e.cfg.Facilitator.Name)

	for {
		status, cached, done := e.cache.Claim(key)
		switch status {
		case x402.CacheHit:
			logger.WithField("tx_hash", cached.TxHash).Info("permit already settled, returning cached receipt")
			c := *cached
			return &c, nil
		case x402.CacheInFlight:
			receipt, err := e.cache.Wait(ctx, key, done)
			if err != nil {
				return nil, x402.NewSettlementError(x402.ErrCodeBusy, "Facilitator busy",
					"an identical permit is already being settled; retry shortly")
			}
			if receipt != nil {
				c := *receipt
				return &c, nil
			}
			// The first attempt failed; claim again
			continue
		}

		receipt, err := e.settlePermit(ctx, logger, p)
		if err != nil {
			e.cache.Release(key, done)
			return nil, err
		}
		e.cache.Complete(key, receipt, done)
		return receipt, nil
	}
}

func (e *Engine) validatePermit(p x402.PermitSettlementRequest) error {
	if !x402evm.IsValidAddress(p.Owner) {
		return x402.NewValidationError(fmt.Sprintf("invalid owner address: %q", p.Owner))
	}
	if p.Value == nil || p.Value.Sign() <= 0 {
		return x402.NewValidationError("permit value must be positive")
	}
	if p.Deadline == nil {
		return x402.NewValidationError("permit deadline is required")
	}
	if p.Deadline.Cmp(big.NewInt(e.now().Unix())) <= 0 {
		return x402.NewSettlementError(
			x402.ErrCodePermitExpired,
			"Permit expired",
			fmt.Sprintf("permit deadline %s is not in the future; sign a new permit", p.Deadline),
		)
	}
	return nil
}

func (e *Engine) settlePermit(ctx context.Context, logger logrus.FieldLogger, p x402.PermitSettlementRequest) (*x402.SettleReceipt, error) {
	wallet := e.signer.Address()
	owner := common.HexToAddress(p.Owner)

	r, err := x402evm.Bytes32(p.R)
	if err != nil {
		return nil, x402.NewValidationError(fmt.Sprintf("invalid r: %v", err))
	}
	s, err := x402evm.Bytes32(p.S)
	if err != nil {
		return nil, x402.NewValidationError(fmt.Sprintf("invalid s: %v", err))
	}

	if e.cfg.TokenName != "" {
		if err := e.checkPermitSigner(ctx, p, wallet); err != nil {
			return nil, err
		}
	}

	release, err := e.queue.Acquire(ctx, wallet)
	if err != nil {
		return nil, err
	}
	defer release()

	var nativeBefore, ownerBalance *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		nativeBefore, err = e.signer.NativeBalance(gctx, wallet)
		return err
	})
	g.Go(func() error {
		var err error
		ownerBalance, err = e.tokenBalance(gctx, p.Owner)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if nativeBefore.Sign() <= 0 {
		return nil, e.insufficientGas(wallet)
	}
	if ownerBalance.Cmp(p.Value) < 0 {
		return nil, x402.NewSettlementError(
			x402.ErrCodeInsufficientTokenBalance,
			"Insufficient token balance",
			fmt.Sprintf("payer %s holds %s token units but the permit is for %s", p.Owner, ownerBalance, p.Value),
		)
	}

	fee := x402.ComputeFee(p.Value, e.cfg.Facilitator.FeeBps)
	net := new(big.Int).Sub(p.Value, fee)

	permitHash, err := e.signer.WriteContract(ctx, e.cfg.Token, x402evm.EIP2612PermitABI, x402evm.FunctionPermit,
		owner, common.HexToAddress(wallet), p.Value, p.Deadline, x402.NormalizeV(p.V), r, s)
	if err != nil {
		return nil, err
	}
	logger.WithField("tx_hash", permitHash).Info("permit submitted")

	permitReceipt, err := e.confirm(ctx, permitHash, x402evm.FunctionPermit)
	if err != nil {
		return nil, err
	}

	transferHash, err := e.signer.WriteContract(ctx, e.cfg.Token, x402evm.ERC20TransferFromABI, x402evm.FunctionTransferFrom,
		owner, common.HexToAddress(e.cfg.Merchant), net)
	if err != nil {
		return nil, err
	}
	logger.WithField("tx_hash", transferHash).Info("transferFrom submitted")

	transferReceipt, err := e.confirm(ctx, transferHash, x402evm.FunctionTransferFrom)
	if err != nil {
		return nil, err
	}

	nativeAfter, err := e.signer.NativeBalance(ctx, wallet)
	if err != nil {
		logger.WithError(err).Warn("post-settlement balance read failed")
	}

	receipt := &x402.SettleReceipt{
		TxHash:             transferReceipt.TxHash,
		BlockNumber:        transferReceipt.BlockNumber,
		Amount:             net,
		Fee:                fee,
		FeeBps:             e.cfg.Facilitator.FeeBps,
		FeeLabel:           x402.FormatFeeRate(e.cfg.Facilitator.FeeBps),
		GasCost:            gasSpent(nativeBefore, nativeAfter),
		GasUsed:            permitReceipt.GasUsed + transferReceipt.GasUsed,
		Payer:              owner.Hex(),
		Merchant:           e.cfg.Merchant,
		Asset:              e.cfg.Asset,
		Facilitator:        e.cfg.Facilitator.Name,
		FacilitatorAddress: wallet,
		Mode:               x402.ModePermit,
		Timestamp:          e.now().UTC(),
	}
	e.record(ctx, logger, receipt)
	return receipt, nil
}

// checkPermitSigner rejects permits not signed by their owner before any
// write. A signature that only matches an already consumed nonce is a
// replay and reported as PermitAlreadyUsed.
func (e *Engine) checkPermitSigner(ctx context.Context, p x402.PermitSettlementRequest, spender string) error {
	nonceResult, err := e.signer.ReadContract(ctx, e.cfg.Token, x402evm.EIP2612NoncesABI, x402evm.FunctionNonces,
		common.HexToAddress(p.Owner))
	if err != nil {
		return err
	}
	nonce, ok := nonceResult.(*big.Int)
	if !ok {
		return fmt.Errorf("unexpected nonce type: %T", nonceResult)
	}

	domain := x402evm.PermitDomain(e.cfg.TokenName, e.cfg.TokenVersion, e.cfg.ChainID, e.cfg.Token)
	signedAt := func(n *big.Int) bool {
		signer, err := x402evm.RecoverPermitSigner(x402evm.PermitAuthorization{
			Owner:    p.Owner,
			Spender:  spender,
			Value:    p.Value,
			Nonce:    n,
			Deadline: p.Deadline,
			V:        x402.NormalizeV(p.V),
			R:        p.R,
			S:        p.S,
		}, domain)
		return err == nil && x402evm.EqualAddress(signer, p.Owner)
	}

	if signedAt(nonce) {
		return nil
	}
	used := new(big.Int).Set(nonce)
	for i := 0; i < permitNonceLookback && used.Sign() > 0; i++ {
		used.Sub(used, big.NewInt(1))
		if signedAt(used) {
			return x402.NewSettlementError(
				x402.ErrCodePermitAlreadyUsed,
				"Permit already used",
				fmt.Sprintf("the permit was signed for nonce %s but the owner's current nonce is %s; sign a new permit", used, nonce),
			)
		}
	}
	return x402.NewValidationError("permit signature does not match owner")
}

// ============================================================================
// Helpers
// ============================================================================

func (e *Engine) confirm(ctx context.Context, txHash string, function string) (*x402evm.TransactionReceipt, error) {
	receipt, err := e.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		if ctx.Err() != nil {
			return nil, x402.NewPendingError(txHash, e.settleTimeout)
		}
		se := x402.AsSettlementError(err)
		if se.TxHash == "" {
			se.TxHash = txHash
		}
		return nil, se
	}
	if receipt.Status != x402evm.TxStatusSuccess {
		return nil, &x402.SettlementError{
			Code:    x402.ErrCodeOnChainRevert,
			Message: "Settlement failed",
			Details: fmt.Sprintf("%s reverted on-chain", function),
			TxHash:  txHash,
		}
	}
	if receipt.TxHash == "" {
		receipt.TxHash = txHash
	}
	return receipt, nil
}

func (e *Engine) record(ctx context.Context, logger logrus.FieldLogger, receipt *x402.SettleReceipt) {
	entry := logger.WithFields(logrus.Fields{
		"tx_hash": receipt.TxHash,
		"amount":  receipt.Amount.String(),
		"fee":     receipt.Fee.String(),
		"block":   receipt.BlockNumber,
	})
	inserted, err := e.ledger.Append(ctx, receipt.Record())
	if err != nil {
		// The transfer is final on-chain; the receipt stands
		entry.WithError(err).Error("failed to append settlement to ledger")
		return
	}
	if !inserted {
		entry.Warn("settlement already recorded")
		return
	}
	entry.Info("settlement confirmed")
}

func (e *Engine) insufficientGas(wallet string) *x402.SettlementError {
	details := fmt.Sprintf("facilitator wallet %s has no native balance to pay gas; fund it", wallet)
	if e.cfg.Faucet != "" {
		details += " at " + e.cfg.Faucet
	}
	return x402.NewSettlementError(x402.ErrCodeInsufficientGas, "Insufficient gas", details)
}

func (e *Engine) tokenBalance(ctx context.Context, address string) (*big.Int, error) {
	out, err := e.signer.ReadContract(ctx, e.cfg.Token, x402evm.ERC20BalanceOfABI, x402evm.FunctionBalanceOf,
		common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	balance, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balance type: %T", out)
	}
	return balance, nil
}

func (e *Engine) tokenDecimals(ctx context.Context) (uint8, error) {
	e.decimalsMu.Lock()
	defer e.decimalsMu.Unlock()
	if e.decimals != nil {
		return *e.decimals, nil
	}

	out, err := e.signer.ReadContract(ctx, e.cfg.Token, x402evm.ERC20DecimalsABI, x402evm.FunctionDecimals)
	if err != nil {
		return 0, err
	}
	d, ok := out.(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type: %T", out)
	}
	e.decimals = &d
	return d, nil
}

func gasSpent(before, after *big.Int) *big.Int {
	if before == nil || after == nil || after.Cmp(before) > 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(before, after)
}
