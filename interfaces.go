package x402

import (
	"context"
	"math/big"
)

// ============================================================================
// Ledger Interface
// ============================================================================

// SettlementLedger is the append-only store of settlement records and their
// aggregates. Implementations must make Append an atomic compare-and-insert
// keyed by transaction hash.
type SettlementLedger interface {
	// Append inserts the record if its hash is unknown and updates the
	// facilitator stats and global totals in the same step. Returns false
	// when the hash was already present, in which case nothing changes.
	Append(ctx context.Context, record SettlementRecord) (bool, error)

	// RecordFailure increments the failure counter of a facilitator only
	RecordFailure(ctx context.Context, facilitator string) error

	// GetByHash returns the record for a hash and whether it exists
	GetByHash(ctx context.Context, txHash string) (SettlementRecord, bool, error)

	// Snapshot returns a deep copy of all stats and totals
	Snapshot(ctx context.Context) (LedgerSnapshot, error)

	// Recent returns up to limit records, newest first
	Recent(ctx context.Context, limit int) ([]SettlementRecord, error)

	// Close releases the backing store
	Close() error
}

// ============================================================================
// Verification Interface
// ============================================================================

// ProofVerifier independently confirms a settlement on-chain.
// Verify never fails loudly: any problem yields false.
type ProofVerifier interface {
	Verify(ctx context.Context, txRef string, expectedPayer string, expectedAmount *big.Int) bool
}

// ============================================================================
// Settlement Interface
// ============================================================================

// Settler executes a settlement request for one facilitator
type Settler interface {
	Facilitator() Facilitator
	Settle(ctx context.Context, req SettlementRequest) (*SettleReceipt, error)
}
