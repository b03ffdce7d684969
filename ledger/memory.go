// Package ledger stores confirmed settlements and their aggregates.
//
// Two SettlementLedger implementations are provided: MemoryLedger for a
// single process and PostgresLedger for a durable, shared store. Both make
// Append an atomic compare-and-insert keyed by the lowercased transaction
// hash, so replaying a settlement never double counts it.
package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"

	x402 "github.com/x402-foundation/paygate"
)

// ErrInvalidRecord is returned for records that cannot be keyed
var ErrInvalidRecord = errors.New("settlement record requires a tx hash and facilitator")

// MemoryLedger is an in-process SettlementLedger
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]x402.SettlementRecord
	order   []string
	stats   map[string]*x402.FacilitatorStats
	totals  x402.LedgerTotals
}

var _ x402.SettlementLedger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]x402.SettlementRecord),
		stats:   make(map[string]*x402.FacilitatorStats),
		totals:  x402.NewLedgerTotals(),
	}
}

// Append inserts record unless its hash is already known
func (l *MemoryLedger) Append(ctx context.Context, record x402.SettlementRecord) (bool, error) {
	if err := validateRecord(record); err != nil {
		return false, err
	}
	key := hashKey(record.TxHash)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[key]; exists {
		return false, nil
	}

	rec := record.Clone()
	l.records[key] = rec
	l.order = append(l.order, key)
	l.statsLocked(rec.Facilitator).Observe(rec)
	l.totals.Observe(rec)
	return true, nil
}

// RecordFailure bumps the failure counter of facilitator
func (l *MemoryLedger) RecordFailure(ctx context.Context, facilitator string) error {
	if facilitator == "" {
		return ErrInvalidRecord
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statsLocked(facilitator).FailureCount++
	return nil
}

// GetByHash looks up a record by transaction hash, case-insensitively
func (l *MemoryLedger) GetByHash(ctx context.Context, txHash string) (x402.SettlementRecord, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[hashKey(txHash)]
	if !ok {
		return x402.SettlementRecord{}, false, nil
	}
	return rec.Clone(), true, nil
}

// Snapshot returns a deep copy of stats and totals
func (l *MemoryLedger) Snapshot(ctx context.Context) (x402.LedgerSnapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := x402.LedgerSnapshot{
		Facilitators: make(map[string]x402.FacilitatorStats, len(l.stats)),
		Totals:       l.totals.Clone(),
	}
	for name, s := range l.stats {
		snap.Facilitators[name] = s.Clone()
	}
	return snap, nil
}

// Recent returns up to limit records, newest first
func (l *MemoryLedger) Recent(ctx context.Context, limit int) ([]x402.SettlementRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.order) {
		limit = len(l.order)
	}
	out := make([]x402.SettlementRecord, 0, limit)
	for i := len(l.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.records[l.order[i]].Clone())
	}
	return out, nil
}

// Close is a no-op
func (l *MemoryLedger) Close() error {
	return nil
}

func (l *MemoryLedger) statsLocked(facilitator string) *x402.FacilitatorStats {
	s, ok := l.stats[facilitator]
	if !ok {
		s = &x402.FacilitatorStats{}
		l.stats[facilitator] = s
	}
	return s
}

func validateRecord(r x402.SettlementRecord) error {
	if strings.TrimSpace(r.TxHash) == "" || strings.TrimSpace(r.Facilitator) == "" {
		return ErrInvalidRecord
	}
	return nil
}

func hashKey(txHash string) string {
	return strings.ToLower(strings.TrimSpace(txHash))
}
