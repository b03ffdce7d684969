package x402

import (
	"math/big"
	"strings"
	"time"
)

// SettlementMode identifies how a settlement was executed on-chain
type SettlementMode string

const (
	// ModeDirect pays the fixed price out of the facilitator's own wallet
	ModeDirect SettlementMode = "direct"
	// ModePermit pulls funds from the payer using an EIP-2612 permit
	ModePermit SettlementMode = "permit"
)

// BpsDenominator is the number of basis points in 100%
const BpsDenominator = 10000

// ============================================================================
// Facilitator configuration
// ============================================================================

// Facilitator is the immutable configuration of a settlement agent
type Facilitator struct {
	Name     string `json:"name"`
	FeeBps   uint32 `json:"feeBps"`
	Address  string `json:"address"`
	Live     bool   `json:"live"`
	Endpoint string `json:"endpoint"`
}

// Quote converts the facilitator into the entry advertised in a challenge
func (f Facilitator) Quote() FacilitatorQuote {
	return FacilitatorQuote{
		Name:     f.Name,
		Fee:      FormatFeeRate(f.FeeBps),
		FeeBps:   f.FeeBps,
		Endpoint: f.Endpoint,
		Address:  f.Address,
		Live:     f.Live,
	}
}

// Key is the case-insensitive lookup key for the facilitator
func (f Facilitator) Key() string {
	return strings.ToLower(f.Name)
}

// ============================================================================
// Challenge types
// ============================================================================

// FacilitatorQuote is one facilitator entry inside a PaymentChallenge
type FacilitatorQuote struct {
	Name     string `json:"name"`
	Fee      string `json:"fee"`
	FeeBps   uint32 `json:"feeBps"`
	Endpoint string `json:"endpoint"`
	Address  string `json:"address"`
	Live     bool   `json:"live"`
}

// PaymentChallenge is the body of a 402 response.
// Facilitators are listed in the server's priority order.
type PaymentChallenge struct {
	Price        string             `json:"price"`
	Asset        string             `json:"asset"`
	Facilitators []FacilitatorQuote `json:"facilitators"`
}

// ============================================================================
// Ledger types
// ============================================================================

// SettlementRecord is an immutable entry in the settlement ledger.
// Amounts are integer token units, GasCost is in native wei.
type SettlementRecord struct {
	TxHash      string         `json:"txHash"`
	Facilitator string         `json:"facilitator"`
	Payer       string         `json:"payer"`
	Recipient   string         `json:"recipient"`
	GrossValue  *big.Int       `json:"grossValue"`
	FeeBps      uint32         `json:"feeBps"`
	NetAmount   *big.Int       `json:"netAmount"`
	GasCost     *big.Int       `json:"gasCost"`
	BlockNumber uint64         `json:"blockNumber"`
	Timestamp   time.Time      `json:"timestamp"`
	Mode        SettlementMode `json:"mode"`
}

// Fee returns the amount withheld from the gross value
func (r SettlementRecord) Fee() *big.Int {
	return new(big.Int).Sub(bigOrZero(r.GrossValue), bigOrZero(r.NetAmount))
}

// Clone returns a deep copy of the record
func (r SettlementRecord) Clone() SettlementRecord {
	c := r
	c.GrossValue = cloneBig(r.GrossValue)
	c.NetAmount = cloneBig(r.NetAmount)
	c.GasCost = cloneBig(r.GasCost)
	return c
}

// FacilitatorStats are rolling counters for a single facilitator
type FacilitatorStats struct {
	SuccessCount    uint64    `json:"successCount"`
	FailureCount    uint64    `json:"failureCount"`
	LastTxHash      string    `json:"lastTxHash,omitempty"`
	LastAmount      *big.Int  `json:"lastAmount,omitempty"`
	LastRecipient   string    `json:"lastRecipient,omitempty"`
	LastPayer       string    `json:"lastPayer,omitempty"`
	LastGasCost     *big.Int  `json:"lastGasCost,omitempty"`
	LastBlockNumber uint64    `json:"lastBlockNumber,omitempty"`
	LastAt          time.Time `json:"lastAt,omitempty"`
}

// Clone returns a deep copy of the stats
func (s FacilitatorStats) Clone() FacilitatorStats {
	c := s
	c.LastAmount = cloneBig(s.LastAmount)
	c.LastGasCost = cloneBig(s.LastGasCost)
	return c
}

// Observe folds a newly appended record into the stats
func (s *FacilitatorStats) Observe(r SettlementRecord) {
	s.SuccessCount++
	s.LastTxHash = r.TxHash
	s.LastAmount = cloneBig(r.NetAmount)
	s.LastRecipient = r.Recipient
	s.LastPayer = r.Payer
	s.LastGasCost = cloneBig(r.GasCost)
	s.LastBlockNumber = r.BlockNumber
	s.LastAt = r.Timestamp
}

// LedgerTotals are global, monotonically non-decreasing counters.
// TotalValue sums net amounts.
type LedgerTotals struct {
	TotalSettlements uint64   `json:"totalSettlements"`
	TotalValue       *big.Int `json:"totalValue"`
	TotalFees        *big.Int `json:"totalFees"`
	TotalGas         *big.Int `json:"totalGas"`
}

// NewLedgerTotals returns zeroed totals
func NewLedgerTotals() LedgerTotals {
	return LedgerTotals{
		TotalValue: new(big.Int),
		TotalFees:  new(big.Int),
		TotalGas:   new(big.Int),
	}
}

// Observe folds a newly appended record into the totals
func (t *LedgerTotals) Observe(r SettlementRecord) {
	if t.TotalValue == nil {
		*t = NewLedgerTotals()
	}
	t.TotalSettlements++
	t.TotalValue.Add(t.TotalValue, bigOrZero(r.NetAmount))
	t.TotalFees.Add(t.TotalFees, r.Fee())
	t.TotalGas.Add(t.TotalGas, bigOrZero(r.GasCost))
}

// Clone returns a deep copy of the totals
func (t LedgerTotals) Clone() LedgerTotals {
	return LedgerTotals{
		TotalSettlements: t.TotalSettlements,
		TotalValue:       cloneOrZero(t.TotalValue),
		TotalFees:        cloneOrZero(t.TotalFees),
		TotalGas:         cloneOrZero(t.TotalGas),
	}
}

// LedgerSnapshot is an independently mutable copy of all ledger aggregates
type LedgerSnapshot struct {
	Facilitators map[string]FacilitatorStats `json:"facilitators"`
	Totals       LedgerTotals                `json:"totals"`
}

// ============================================================================
// Settlement results
// ============================================================================

// SettleReceipt is returned by a facilitator after a confirmed settlement
type SettleReceipt struct {
	TxHash             string         `json:"txHash"`
	BlockNumber        uint64         `json:"blockNumber"`
	Amount             *big.Int       `json:"amount"`
	Fee                *big.Int       `json:"fee"`
	FeeBps             uint32         `json:"feeBps"`
	FeeLabel           string         `json:"feeLabel"`
	GasCost            *big.Int       `json:"gasCost"`
	GasUsed            uint64         `json:"gasUsed"`
	Payer              string         `json:"payer"`
	Merchant           string         `json:"merchant"`
	Asset              string         `json:"asset"`
	Facilitator        string         `json:"facilitator"`
	FacilitatorAddress string         `json:"facilitatorAddress"`
	Mode               SettlementMode `json:"mode"`
	BalanceBefore      *big.Int       `json:"balanceBefore,omitempty"`
	BalanceAfter       *big.Int       `json:"balanceAfter,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

// Record converts the receipt into the ledger entry it produces
func (r SettleReceipt) Record() SettlementRecord {
	gross := new(big.Int).Add(bigOrZero(r.Amount), bigOrZero(r.Fee))
	feeBps := r.FeeBps
	if r.Mode == ModeDirect {
		feeBps = 0
	}
	return SettlementRecord{
		TxHash:      r.TxHash,
		Facilitator: r.Facilitator,
		Payer:       r.Payer,
		Recipient:   r.Merchant,
		GrossValue:  gross,
		FeeBps:      feeBps,
		NetAmount:   cloneBig(r.Amount),
		GasCost:     cloneOrZero(r.GasCost),
		BlockNumber: r.BlockNumber,
		Timestamp:   r.Timestamp,
		Mode:        r.Mode,
	}
}

// SettlementProof is what a client keeps after settling, enough to retry the
// resource request without settling again
type SettlementProof struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Facilitator string `json:"facilitator"`
	Amount      string `json:"amount"`
	Payer       string `json:"payer,omitempty"`
	ProofHeader string `json:"proofHeader"`
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
