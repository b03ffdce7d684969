package x402

import (
	"context"
	"sync"
	"time"
)

// SettlementCache deduplicates permit settlements. A permit resubmitted while
// the first attempt is still on its way to the chain waits for that attempt;
// one resubmitted after a confirmed settlement gets the cached receipt back.
type SettlementCache struct {
	mu       sync.Mutex
	receipts map[string]*SettleReceipt
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewSettlementCache creates a new settlement cache with the specified TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		receipts: make(map[string]*SettleReceipt),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// CacheStatus is the outcome of Claim
type CacheStatus int

const (
	// CacheMiss means the caller now owns the key and must Complete or Release it
	CacheMiss CacheStatus = iota
	// CacheHit means a receipt is already cached
	CacheHit
	// CacheInFlight means another caller owns the key
	CacheInFlight
)

// Claim atomically looks up key and, on a miss, marks it in flight.
// The returned channel is closed when the owner completes or releases.
func (c *SettlementCache) Claim(key string) (CacheStatus, *SettleReceipt, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if receipt := c.liveLocked(key); receipt != nil {
		return CacheHit, receipt, nil
	}
	if done, ok := c.inFlight[key]; ok {
		return CacheInFlight, nil, done
	}
	done := make(chan struct{})
	c.inFlight[key] = done
	return CacheMiss, nil, done
}

// Wait blocks until the owner of key finishes. A nil receipt means the owner
// released without a result.
func (c *SettlementCache) Wait(ctx context.Context, key string, done chan struct{}) (*SettleReceipt, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached receipt for key, if unexpired
func (c *SettlementCache) Get(key string) *SettleReceipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// Complete stores the receipt and wakes waiters
func (c *SettlementCache) Complete(key string, receipt *SettleReceipt, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.receipts[key] = receipt
	c.expiry[key] = c.now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	c.evictLocked()
}

// Release drops the in-flight marker without caching, so the permit may be
// submitted again
func (c *SettlementCache) Release(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

// Len reports cached receipts, including expired ones not yet evicted
func (c *SettlementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.receipts)
}

func (c *SettlementCache) liveLocked(key string) *SettleReceipt {
	exp, ok := c.expiry[key]
	if !ok {
		return nil
	}
	if !c.now().Before(exp) {
		delete(c.receipts, key)
		delete(c.expiry, key)
		return nil
	}
	return c.receipts[key]
}

// evictLocked must be called with mu held
func (c *SettlementCache) evictLocked() {
	now := c.now()
	for key, exp := range c.expiry {
		if !now.Before(exp) {
			delete(c.receipts, key)
			delete(c.expiry, key)
		}
	}
}
