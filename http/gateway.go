package http

import (
	"context"
	"fmt"
	"math/big"
	"net/http"

	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/paygate"
)

// GatewayState is the position of a single resource request in the
// LOCKED -> CHALLENGED -> VERIFYING -> UNLOCKED state machine
type GatewayState string

const (
	StateLocked     GatewayState = "LOCKED"
	StateChallenged GatewayState = "CHALLENGED"
	StateVerifying  GatewayState = "VERIFYING"
	StateUnlocked   GatewayState = "UNLOCKED"
)

// Quoter lists the facilitators advertised in a challenge
type Quoter interface {
	Quotes() []x402.FacilitatorQuote
	MaxFeeBps() uint32
}

// GatewayConfig describes the protected resource
type GatewayConfig struct {
	// Price is the decimal price, e.g. "1"
	Price string
	// Asset is the token symbol shown in challenges
	Asset string
	// Decimals converts Price into token units
	Decimals uint8
	// Payload is returned once a proof verifies
	Payload interface{}
}

// GatewayRequest is what the gateway reads from an incoming resource request
type GatewayRequest struct {
	ProofToken string
	ProofPayer string
}

// GatewayResponse is the outcome of serving one resource request
type GatewayResponse struct {
	Status    int
	State     GatewayState
	Challenge *x402.PaymentChallenge
	Data      interface{}
}

// Gateway guards a resource behind a verified on-chain payment. It holds
// only immutable configuration and is safe for concurrent use.
type Gateway struct {
	cfg        GatewayConfig
	priceUnits *big.Int
	quoter     Quoter
	verifier   x402.ProofVerifier
	ledger     x402.SettlementLedger
	logger     logrus.FieldLogger
}

// NewGateway creates a gateway. ledger may be nil, in which case the payer
// must be named by the proof-payer header.
func NewGateway(cfg GatewayConfig, quoter Quoter, verifier x402.ProofVerifier, ledger x402.SettlementLedger, logger logrus.FieldLogger) (*Gateway, error) {
	if quoter == nil || verifier == nil {
		return nil, x402.NewConfigurationError("gateway requires a facilitator registry and a proof verifier")
	}
	units, err := x402.ToTokenUnits(cfg.Price, cfg.Decimals)
	if err != nil {
		return nil, x402.NewConfigurationError(fmt.Sprintf("invalid price %q: %v", cfg.Price, err))
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gateway{
		cfg:        cfg,
		priceUnits: units,
		quoter:     quoter,
		verifier:   verifier,
		ledger:     ledger,
		logger:     logger.WithField("component", "gateway"),
	}, nil
}

// Challenge builds a fresh payment challenge
func (g *Gateway) Challenge() x402.PaymentChallenge {
	return x402.PaymentChallenge{
		Price:        g.cfg.Price,
		Asset:        g.cfg.Asset,
		Facilitators: g.quoter.Quotes(),
	}
}

// PriceUnits returns the price in token units
func (g *Gateway) PriceUnits() *big.Int {
	return new(big.Int).Set(g.priceUnits)
}

// Serve runs the state machine for one request. The resource unlocks only
// after the verifier confirms the transfer on-chain.
func (g *Gateway) Serve(ctx context.Context, req GatewayRequest) GatewayResponse {
	if req.ProofToken == "" {
		return g.challenged()
	}

	log := g.logger.WithFields(logrus.Fields{
		"tx_hash":    req.ProofToken,
		"state":      StateVerifying,
		"request_id": x402.RequestIDFromContext(ctx),
	})

	payer, amount, ok := g.expectation(ctx, req)
	if !ok {
		log.Debug("no payer expectation for proof, staying locked")
		return g.challenged()
	}

	if !g.verifier.Verify(ctx, req.ProofToken, payer, amount) {
		log.WithField("payer", payer).Info("proof rejected")
		return g.relocked()
	}

	log.WithField("payer", payer).Info("resource unlocked")
	return GatewayResponse{
		Status: http.StatusOK,
		State:  StateUnlocked,
		Data:   g.cfg.Payload,
	}
}

// expectation resolves who must have paid and how much. A ledger record for
// the hash wins; otherwise the client-named payer must have paid at least the
// price less the largest advertised fee.
func (g *Gateway) expectation(ctx context.Context, req GatewayRequest) (string, *big.Int, bool) {
	if g.ledger != nil {
		rec, found, err := g.ledger.GetByHash(ctx, req.ProofToken)
		switch {
		case err != nil:
			g.logger.WithError(err).WithField("tx_hash", req.ProofToken).Warn("ledger lookup failed")
		case found:
			return rec.Payer, rec.NetAmount, true
		}
	}

	if req.ProofPayer != "" {
		return req.ProofPayer, x402.NetAmount(g.priceUnits, g.quoter.MaxFeeBps()), true
	}
	return "", nil, false
}

func (g *Gateway) challenged() GatewayResponse {
	challenge := g.Challenge()
	return GatewayResponse{
		Status:    http.StatusPaymentRequired,
		State:     StateChallenged,
		Challenge: &challenge,
	}
}

// relocked falls back from VERIFYING to LOCKED and reissues the challenge
func (g *Gateway) relocked() GatewayResponse {
	out := g.challenged()
	out.State = StateLocked
	return out
}
