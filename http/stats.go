package http

import (
	"fmt"
	"time"

	x402 "github.com/x402-foundation/paygate"
)

const (
	statusLive    = "LIVE"
	statusOffline = "OFFLINE"

	// nativeDecimals formats gas spend in whole native tokens
	nativeDecimals = 18
)

// StatsView is the body of GET /stats
type StatsView struct {
	Summary      StatsSummary      `json:"summary"`
	Facilitators []FacilitatorView `json:"facilitators"`
	Events       []SettlementEvent `json:"events"`
}

// StatsSummary aggregates the ledger totals for display
type StatsSummary struct {
	ActiveFacilitators int    `json:"activeFacilitators"`
	TotalSettlements   uint64 `json:"totalSettlements"`
	TotalVolume        string `json:"totalVolume"`
	TotalFees          string `json:"totalFees"`
	GasSponsored       string `json:"gasSponsored"`
	Asset              string `json:"asset"`
	MerchantAddress    string `json:"merchantAddress"`
}

// FacilitatorView is one row of the facilitator table
type FacilitatorView struct {
	Name         string     `json:"name"`
	Fee          string     `json:"fee"`
	Address      string     `json:"address,omitempty"`
	Live         bool       `json:"live"`
	Status       string     `json:"status"`
	SuccessCount uint64     `json:"successCount"`
	FailureCount uint64     `json:"failureCount"`
	Uptime       string     `json:"uptime"`
	LastTxHash   string     `json:"lastTxHash,omitempty"`
	LastAt       *time.Time `json:"lastAt,omitempty"`
}

// SettlementEvent is one entry of the recent settlements feed
type SettlementEvent struct {
	TxHash      string    `json:"txHash"`
	Facilitator string    `json:"facilitator"`
	Payer       string    `json:"payer"`
	Amount      string    `json:"amount"`
	Fee         string    `json:"fee"`
	Mode        string    `json:"mode"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
}

// Uptime renders success / (success + failure) as a percentage
func Uptime(success, failure uint64) string {
	total := success + failure
	if total == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.1f%%", float64(success)*100/float64(total))
}

func buildStats(facilitators []x402.Facilitator, snap x402.LedgerSnapshot, recent []x402.SettlementRecord, decimals uint8, asset, merchant string) StatsView {
	totals := snap.Totals.Clone()
	view := StatsView{
		Summary: StatsSummary{
			TotalSettlements: totals.TotalSettlements,
			TotalVolume:      x402.FromTokenUnits(totals.TotalValue, decimals),
			TotalFees:        x402.FromTokenUnits(totals.TotalFees, decimals),
			GasSponsored:     x402.FromTokenUnits(totals.TotalGas, nativeDecimals),
			Asset:            asset,
			MerchantAddress:  merchant,
		},
		Facilitators: make([]FacilitatorView, 0, len(facilitators)),
		Events:       make([]SettlementEvent, 0, len(recent)),
	}

	for _, f := range facilitators {
		stats := snap.Facilitators[f.Name]
		row := FacilitatorView{
			Name:         f.Name,
			Fee:          x402.FormatFeeRate(f.FeeBps),
			Address:      f.Address,
			Live:         f.Live,
			Status:       statusOffline,
			SuccessCount: stats.SuccessCount,
			FailureCount: stats.FailureCount,
			Uptime:       Uptime(stats.SuccessCount, stats.FailureCount),
			LastTxHash:   stats.LastTxHash,
		}
		if f.Live {
			row.Status = statusLive
			view.Summary.ActiveFacilitators++
		}
		if !stats.LastAt.IsZero() {
			at := stats.LastAt
			row.LastAt = &at
		}
		view.Facilitators = append(view.Facilitators, row)
	}

	for _, r := range recent {
		view.Events = append(view.Events, SettlementEvent{
			TxHash:      r.TxHash,
			Facilitator: r.Facilitator,
			Payer:       r.Payer,
			Amount:      x402.FromTokenUnits(r.NetAmount, decimals),
			Fee:         x402.FromTokenUnits(r.Fee(), decimals),
			Mode:        string(r.Mode),
			BlockNumber: r.BlockNumber,
			Timestamp:   r.Timestamp,
		})
	}
	return view
}
