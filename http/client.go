package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/paygate"
)

// Orchestrator error codes
const (
	ErrCodeMalformedChallenge          = "malformed_challenge"
	ErrCodeFacilitatorNotFound         = "facilitator_not_found"
	ErrCodeFacilitatorSettlementFailed = "facilitator_settlement_failed"
	ErrCodePaymentNotConfirmed         = "payment_not_confirmed"
	ErrCodeProofRejected               = "proof_rejected"
)

// Sentinels for errors.Is matching on code
var (
	ErrMalformedChallenge          = &OrchestratorError{Code: ErrCodeMalformedChallenge}
	ErrFacilitatorNotFound         = &OrchestratorError{Code: ErrCodeFacilitatorNotFound}
	ErrFacilitatorSettlementFailed = &OrchestratorError{Code: ErrCodeFacilitatorSettlementFailed}
	ErrPaymentNotConfirmed         = &OrchestratorError{Code: ErrCodePaymentNotConfirmed}
	ErrProofRejected               = &OrchestratorError{Code: ErrCodeProofRejected}
)

// OrchestratorError reports where a pay-and-request flow stopped. When the
// settlement already happened, Proof holds it so the caller can retry the
// resource without paying again.
type OrchestratorError struct {
	Code   string
	Status int
	Body   string
	Proof  *x402.SettlementProof
	Err    error
}

func (e *OrchestratorError) Error() string {
	msg := e.Code
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// Is matches any OrchestratorError carrying the same code
func (e *OrchestratorError) Is(target error) bool {
	t, ok := target.(*OrchestratorError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// PermitSigner produces a permit once the facilitator is chosen, since the
// facilitator wallet is the permit spender
type PermitSigner func(ctx context.Context, quote x402.FacilitatorQuote, challenge x402.PaymentChallenge) (*x402.PermitSettlementRequest, error)

// PayOptions selects how to pay. With neither Permit nor SignPermit set the
// payment is made in direct mode.
type PayOptions struct {
	PreferredFacilitator string
	Permit               *x402.PermitSettlementRequest
	SignPermit           PermitSigner
}

// PayResult is the unlocked payload plus the settlement that paid for it.
// Settlement is nil when the resource was free.
type PayResult struct {
	Data       json.RawMessage       `json:"data"`
	Settlement *x402.SettlementProof `json:"settlement,omitempty"`
}

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator drives probe, settle and retry against a gateway
type Orchestrator struct {
	httpClient   *http.Client
	facilitators *HTTPFacilitatorClient
	logger       logrus.FieldLogger
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithHTTPClient sets the client used for resource requests
func WithHTTPClient(client *http.Client) OrchestratorOption {
	return func(o *Orchestrator) {
		o.httpClient = client
	}
}

// WithFacilitatorClient sets the client used for settle requests
func WithFacilitatorClient(client *HTTPFacilitatorClient) OrchestratorOption {
	return func(o *Orchestrator) {
		o.facilitators = client
	}
}

// WithOrchestratorLogger sets the logger
func WithOrchestratorLogger(logger logrus.FieldLogger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{}
	for _, opt := range opts {
		opt(o)
	}
	o.httpClient = newHTTPClient(o.httpClient, DefaultTimeout)
	if o.facilitators == nil {
		o.facilitators = NewHTTPFacilitatorClient(&FacilitatorConfig{HTTPClient: o.httpClient})
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	return o
}

// PayAndRequest fetches resourceURL, settling through a facilitator when the
// gateway demands payment and retrying with the resulting proof
func (o *Orchestrator) PayAndRequest(ctx context.Context, resourceURL string, opts PayOptions) (*PayResult, error) {
	if x402.RequestIDFromContext(ctx) == "" {
		ctx = x402.WithRequestID(ctx, uuid.NewString())
	}
	log := o.logger.WithFields(logrus.Fields{
		"resource":   resourceURL,
		"request_id": x402.RequestIDFromContext(ctx),
	})

	status, body, err := o.get(ctx, resourceURL, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusOK {
		log.Debug("resource is not gated")
		return &PayResult{Data: extractData(body)}, nil
	}
	if status != http.StatusPaymentRequired {
		return nil, &OrchestratorError{Code: ErrCodeMalformedChallenge, Status: status, Body: string(body)}
	}

	var challenge x402.PaymentChallenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, &OrchestratorError{Code: ErrCodeMalformedChallenge, Status: status, Body: string(body), Err: err}
	}
	if len(challenge.Facilitators) == 0 {
		return nil, &OrchestratorError{Code: ErrCodeMalformedChallenge, Status: status, Body: string(body),
			Err: fmt.Errorf("challenge lists no facilitators")}
	}

	quote, err := selectFacilitator(challenge.Facilitators, opts.PreferredFacilitator)
	if err != nil {
		return nil, err
	}
	endpoint, err := resolveEndpoint(resourceURL, quote.Endpoint)
	if err != nil {
		return nil, &OrchestratorError{Code: ErrCodeMalformedChallenge, Body: quote.Endpoint, Err: err}
	}

	var req x402.SettlementRequest = x402.DirectSettlementRequest{}
	switch {
	case opts.Permit != nil:
		req = *opts.Permit
	case opts.SignPermit != nil:
		permit, err := opts.SignPermit(ctx, quote, challenge)
		if err != nil {
			return nil, fmt.Errorf("failed to sign permit for %s: %w", quote.Name, err)
		}
		req = *permit
	}
	log = log.WithFields(logrus.Fields{"facilitator": quote.Name, "mode": req.Mode()})
	log.Info("settling payment")

	settled, err := o.facilitators.Settle(ctx, endpoint, req)
	if err != nil {
		var oe *OrchestratorError
		if errors.As(err, &oe) && oe.Proof != nil && oe.Proof.Facilitator == "" {
			oe.Proof.Facilitator = quote.Name
		}
		return nil, err
	}

	proof := &x402.SettlementProof{
		TxHash:      settled.TxHash,
		BlockNumber: settled.BlockNumber,
		Facilitator: settled.Facilitator,
		Amount:      settled.Amount,
		Payer:       settled.Payer,
		ProofHeader: ProofTokenHeader,
	}
	if proof.Facilitator == "" {
		proof.Facilitator = quote.Name
	}
	log.WithField("tx_hash", proof.TxHash).Info("payment settled, retrying with proof")

	return o.RetryWithProof(ctx, resourceURL, proof)
}

// RetryWithProof re-requests resourceURL presenting an existing settlement
func (o *Orchestrator) RetryWithProof(ctx context.Context, resourceURL string, proof *x402.SettlementProof) (*PayResult, error) {
	if proof == nil || proof.TxHash == "" {
		return nil, fmt.Errorf("a settlement proof with a transaction hash is required")
	}

	headers := map[string]string{ProofTokenHeader: proof.TxHash}
	if proof.Payer != "" {
		headers[ProofPayerHeader] = proof.Payer
	}

	status, body, err := o.get(ctx, resourceURL, headers)
	if err != nil {
		return nil, &OrchestratorError{Code: ErrCodeProofRejected, Proof: proof, Err: err}
	}
	if status < 200 || status > 299 {
		return nil, &OrchestratorError{Code: ErrCodeProofRejected, Status: status, Body: string(body), Proof: proof}
	}
	return &PayResult{Data: extractData(body), Settlement: proof}, nil
}

func (o *Orchestrator) get(ctx context.Context, resourceURL string, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create resource request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if id := x402.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(RequestIDHeader, id)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("resource request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// selectFacilitator honours a case-insensitive preference, else takes the
// first listed
func selectFacilitator(quotes []x402.FacilitatorQuote, preferred string) (x402.FacilitatorQuote, error) {
	preferred = strings.TrimSpace(preferred)
	if preferred == "" {
		return quotes[0], nil
	}
	for _, q := range quotes {
		if strings.EqualFold(q.Name, preferred) {
			return q, nil
		}
	}
	return x402.FacilitatorQuote{}, &OrchestratorError{
		Code: ErrCodeFacilitatorNotFound,
		Err:  fmt.Errorf("facilitator %q is not offered by the resource", preferred),
	}
}

// resolveEndpoint makes a relative facilitator endpoint absolute against the
// resource URL
func resolveEndpoint(resourceURL, endpoint string) (string, error) {
	base, err := url.Parse(resourceURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// extractData unwraps {"data": ...} bodies and passes anything else through
func extractData(body []byte) json.RawMessage {
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Data) > 0 {
		return wrapped.Data
	}
	return json.RawMessage(body)
}
