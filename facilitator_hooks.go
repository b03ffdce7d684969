package x402

import (
	"context"
	"time"
)

// ============================================================================
// Settle Hook Context Types
// ============================================================================

// SettleContext is passed to settle hooks
type SettleContext struct {
	Ctx         context.Context
	RequestID   string
	Facilitator Facilitator
	Request     SettlementRequest
	Timestamp   time.Time
}

// SettleResultContext carries a confirmed settlement
type SettleResultContext struct {
	SettleContext
	Receipt  SettleReceipt
	Duration time.Duration
}

// SettleFailureContext carries a failed settlement
type SettleFailureContext struct {
	SettleContext
	Error    error
	Duration time.Duration
}

// ============================================================================
// Hook Result Types
// ============================================================================

// BeforeHookResult aborts the settlement with Reason when Abort is true
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Hook Function Types
// ============================================================================

// BeforeSettleHook runs before any chain interaction.
// Returning Abort=true rejects the request as invalid.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook runs after the record is appended.
// Errors are logged and do not affect the receipt.
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook runs when a settlement fails.
// Errors are logged and do not replace the original failure.
type OnSettleFailureHook func(SettleFailureContext) error

// SettleHooks groups the hooks registered on an engine
type SettleHooks struct {
	Before    []BeforeSettleHook
	After     []AfterSettleHook
	OnFailure []OnSettleFailureHook
}
