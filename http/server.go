package http

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/paygate"
)

// DefaultRecentEvents is the size of the stats event feed
const DefaultRecentEvents = 20

// FacilitatorRegistry routes settlements to named facilitators
type FacilitatorRegistry interface {
	Quoter
	Facilitators() []x402.Facilitator
	Settle(ctx context.Context, name string, req x402.SettlementRequest) (*x402.SettleReceipt, error)
}

// SettleResponse is the success body of POST /facilitators/{name}. Amounts
// are integer token units encoded as decimal strings.
type SettleResponse struct {
	Settled            bool   `json:"settled"`
	Paid               bool   `json:"paid"`
	TxHash             string `json:"txHash"`
	BlockNumber        uint64 `json:"blockNumber"`
	Amount             string `json:"amount"`
	Fee                string `json:"fee"`
	FeeBps             uint32 `json:"feeBps"`
	FeeLabel           string `json:"feeLabel,omitempty"`
	GasCost            string `json:"gasCost"`
	GasUsed            uint64 `json:"gasUsed,omitempty"`
	Payer              string `json:"payer"`
	Merchant           string `json:"merchant"`
	Asset              string `json:"asset,omitempty"`
	Facilitator        string `json:"facilitator"`
	FacilitatorAddress string `json:"facilitatorAddress"`
	Mode               string `json:"mode"`
	BalanceBefore      string `json:"balanceBefore,omitempty"`
	BalanceAfter       string `json:"balanceAfter,omitempty"`
	Timestamp          string `json:"timestamp"`
}

// NewSettleResponse renders a receipt for the wire
func NewSettleResponse(r *x402.SettleReceipt) SettleResponse {
	resp := SettleResponse{
		Settled:            true,
		Paid:               true,
		TxHash:             r.TxHash,
		BlockNumber:        r.BlockNumber,
		Amount:             bigString(r.Amount),
		Fee:                bigString(r.Fee),
		FeeBps:             r.FeeBps,
		FeeLabel:           r.FeeLabel,
		GasCost:            bigString(r.GasCost),
		GasUsed:            r.GasUsed,
		Payer:              r.Payer,
		Merchant:           r.Merchant,
		Asset:              r.Asset,
		Facilitator:        r.Facilitator,
		FacilitatorAddress: r.FacilitatorAddress,
		Mode:               string(r.Mode),
		Timestamp:          r.Timestamp.UTC().Format(time.RFC3339),
	}
	if r.BalanceBefore != nil {
		resp.BalanceBefore = r.BalanceBefore.String()
	}
	if r.BalanceAfter != nil {
		resp.BalanceAfter = r.BalanceAfter.String()
	}
	return resp
}

// ServerConfig configures the handlers
type ServerConfig struct {
	Asset        string
	Decimals     uint8
	Merchant     string
	RecentEvents int
}

// Server implements the paygate endpoints independently of any router
type Server struct {
	cfg      ServerConfig
	gateway  *Gateway
	registry FacilitatorRegistry
	ledger   x402.SettlementLedger
	logger   logrus.FieldLogger
	started  time.Time
}

// NewServer wires the gateway, registry and ledger behind the endpoints
func NewServer(cfg ServerConfig, gateway *Gateway, registry FacilitatorRegistry, ledger x402.SettlementLedger, logger logrus.FieldLogger) *Server {
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = DefaultRecentEvents
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		cfg:      cfg,
		gateway:  gateway,
		registry: registry,
		ledger:   ledger,
		logger:   logger,
		started:  time.Now(),
	}
}

// Resource serves GET /resource
func (s *Server) Resource(ctx context.Context, proofToken, proofPayer string) Response {
	if err := ValidateProofHeaders(proofToken, proofPayer); err != nil {
		s.logger.WithError(err).Debug("malformed proof headers")
		proofToken, proofPayer = "", ""
	}

	out := s.gateway.Serve(ctx, GatewayRequest{ProofToken: proofToken, ProofPayer: proofPayer})
	if out.State == StateUnlocked {
		return jsonResponse(out.Status, map[string]interface{}{"data": out.Data})
	}
	return jsonResponse(out.Status, out.Challenge)
}

// Settle serves POST /facilitators/{name}. The body is validated completely
// before it reaches the engine.
func (s *Server) Settle(ctx context.Context, name string, body []byte) Response {
	req, err := x402.ParseSettlementRequest(body)
	if err != nil {
		return errorResponse(x402.AsSettlementError(err))
	}

	receipt, err := s.registry.Settle(ctx, name, req)
	if err != nil {
		return errorResponse(x402.AsSettlementError(err))
	}
	return jsonResponse(http.StatusOK, NewSettleResponse(receipt))
}

// Stats serves GET /stats
func (s *Server) Stats(ctx context.Context) Response {
	snap, err := s.ledger.Snapshot(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to read ledger snapshot")
		return jsonResponse(http.StatusInternalServerError, x402.ErrorResponse{
			Error:   "Stats unavailable",
			Details: "the settlement ledger could not be read",
		})
	}
	recent, err := s.ledger.Recent(ctx, s.cfg.RecentEvents)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read recent settlements")
		recent = nil
	}
	return jsonResponse(http.StatusOK, buildStats(s.registry.Facilitators(), snap, recent, s.cfg.Decimals, s.cfg.Asset, s.cfg.Merchant))
}

// Health serves GET /health
func (s *Server) Health() Response {
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// errorResponse maps a settlement error onto {error, details}. Pending
// errors keep the submitted hash so the caller can poll it.
func errorResponse(se *x402.SettlementError) Response {
	return jsonResponse(se.HTTPStatus(), se.ToResponse())
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
