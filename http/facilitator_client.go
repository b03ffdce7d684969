package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/x402-foundation/paygate"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient submits settlement requests to facilitator endpoints
type HTTPFacilitatorClient struct {
	httpClient   *http.Client
	authProvider AuthProvider
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns headers added to every settle request
	GetAuthHeaders(ctx context.Context) (map[string]string, error)
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to DefaultTimeout). Settlement
	// waits for on-chain confirmation, so keep it above the facilitator's
	// confirmation timeout.
	Timeout time.Duration
}

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}
	return &HTTPFacilitatorClient{
		httpClient:   newHTTPClient(config.HTTPClient, config.Timeout),
		authProvider: config.AuthProvider,
	}
}

// Settle posts req to endpoint. Direct requests send an empty body. A non-2xx
// reply becomes FacilitatorSettlementFailed carrying status and body; a 2xx
// reply that does not confirm payment becomes PaymentNotConfirmed, carrying
// the submitted hash as Proof when the facilitator reports one.
// The call is single-shot: resubmitting a settlement could pay twice.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, endpoint string, req x402.SettlementRequest) (*SettleResponse, error) {
	var body io.Reader = http.NoBody
	if permit, ok := req.(x402.PermitSettlementRequest); ok {
		data, err := json.Marshal(permit)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal permit: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create settle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if id := x402.RequestIDFromContext(ctx); id != "" {
		httpReq.Header.Set(RequestIDHeader, id)
	}

	// Add auth headers if available
	if c.authProvider != nil {
		headers, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth headers: %w", err)
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("settle request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &OrchestratorError{
			Code:   ErrCodeFacilitatorSettlementFailed,
			Status: resp.StatusCode,
			Body:   string(responseBody),
		}
	}

	var settleResponse SettleResponse
	if err := json.Unmarshal(responseBody, &settleResponse); err != nil {
		return nil, &OrchestratorError{
			Code:   ErrCodePaymentNotConfirmed,
			Status: resp.StatusCode,
			Body:   string(responseBody),
			Err:    fmt.Errorf("failed to decode settle response: %w", err),
		}
	}
	if !settleResponse.Settled && !settleResponse.Paid {
		oe := &OrchestratorError{
			Code:   ErrCodePaymentNotConfirmed,
			Status: resp.StatusCode,
			Body:   string(responseBody),
		}
		// A pending settlement names the submitted transaction
		var pending x402.ErrorResponse
		if err := json.Unmarshal(responseBody, &pending); err == nil && pending.TxHash != "" {
			oe.Proof = &x402.SettlementProof{TxHash: pending.TxHash, ProofHeader: ProofTokenHeader}
		}
		return nil, oe
	}
	return &settleResponse, nil
}
