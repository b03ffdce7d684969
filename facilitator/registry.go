package facilitator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	x402 "github.com/x402-foundation/paygate"
)

// Registry holds the configured facilitators in priority order. Live
// facilitators have an engine; offline ones are advertised but refuse to
// settle.
type Registry struct {
	mu      sync.RWMutex
	order   []x402.Facilitator
	engines map[string]x402.Settler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]x402.Settler),
	}
}

// Register adds a live facilitator backed by settler
func (r *Registry) Register(settler x402.Settler) *Registry {
	f := settler.Facilitator()
	f.Live = true

	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(f)
	r.engines[f.Key()] = settler
	return r
}

// RegisterOffline adds a facilitator that is advertised but cannot settle
func (r *Registry) RegisterOffline(f x402.Facilitator) *Registry {
	f.Live = false

	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(f)
	delete(r.engines, f.Key())
	return r
}

func (r *Registry) upsertLocked(f x402.Facilitator) {
	for i, existing := range r.order {
		if existing.Key() == f.Key() {
			r.order[i] = f
			return
		}
	}
	r.order = append(r.order, f)
}

// Facilitators returns all facilitators in priority order
func (r *Registry) Facilitators() []x402.Facilitator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]x402.Facilitator(nil), r.order...)
}

// Quotes returns the challenge entries for all facilitators
func (r *Registry) Quotes() []x402.FacilitatorQuote {
	facilitators := r.Facilitators()
	quotes := make([]x402.FacilitatorQuote, len(facilitators))
	for i, f := range facilitators {
		quotes[i] = f.Quote()
	}
	return quotes
}

// MaxFeeBps returns the largest fee advertised by any facilitator
func (r *Registry) MaxFeeBps() uint32 {
	var highest uint32
	for _, f := range r.Facilitators() {
		if f.FeeBps > highest {
			highest = f.FeeBps
		}
	}
	return highest
}

// Lookup finds a facilitator by case-insensitive name
func (r *Registry) Lookup(name string) (x402.Facilitator, x402.Settler, error) {
	key := strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.order {
		if f.Key() != key {
			continue
		}
		settler, ok := r.engines[key]
		if !ok {
			return f, nil, x402.NewSettlementError(
				x402.ErrCodeFacilitatorNotLive,
				"Facilitator not live",
				fmt.Sprintf("facilitator %s is not live", f.Name),
			)
		}
		return f, settler, nil
	}
	return x402.Facilitator{}, nil, x402.NewSettlementError(
		x402.ErrCodeFacilitatorUnknown,
		"Facilitator not found",
		fmt.Sprintf("unknown facilitator %q", name),
	)
}

// Settle routes req to the named facilitator
func (r *Registry) Settle(ctx context.Context, name string, req x402.SettlementRequest) (*x402.SettleReceipt, error) {
	_, settler, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return settler.Settle(ctx, req)
}
