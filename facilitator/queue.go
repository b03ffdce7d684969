package facilitator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	x402 "github.com/x402-foundation/paygate"
)

// DefaultQueueWait bounds how long a settlement waits for its wallet
const DefaultQueueWait = 30 * time.Second

// WalletQueue serializes chain writes per wallet. Each wallet has a single
// slot; a settlement that cannot take the slot within the wait is rejected
// as busy rather than queued indefinitely.
type WalletQueue struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	wait  time.Duration
}

// NewWalletQueue creates a queue with the given bounded wait
func NewWalletQueue(wait time.Duration) *WalletQueue {
	if wait <= 0 {
		wait = DefaultQueueWait
	}
	return &WalletQueue{
		slots: make(map[string]chan struct{}),
		wait:  wait,
	}
}

// Acquire takes the wallet's slot. The returned release func must be called
// exactly once.
func (q *WalletQueue) Acquire(ctx context.Context, wallet string) (func(), error) {
	slot := q.slot(wallet)

	// Fast path when idle
	select {
	case slot <- struct{}{}:
		return q.releaser(slot), nil
	default:
	}

	timer := time.NewTimer(q.wait)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		return q.releaser(slot), nil
	case <-timer.C:
		return nil, busyError(wallet, q.wait)
	case <-ctx.Done():
		return nil, busyError(wallet, q.wait)
	}
}

func (q *WalletQueue) slot(wallet string) chan struct{} {
	key := strings.ToLower(wallet)

	q.mu.Lock()
	defer q.mu.Unlock()
	slot, ok := q.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		q.slots[key] = slot
	}
	return slot
}

func (q *WalletQueue) releaser(slot chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-slot })
	}
}

func busyError(wallet string, wait time.Duration) *x402.SettlementError {
	return x402.NewSettlementError(
		x402.ErrCodeBusy,
		"Facilitator busy",
		fmt.Sprintf("wallet %s has a settlement in progress and did not free up within %s; retry shortly", wallet, wait),
	)
}
