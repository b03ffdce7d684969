// Package http provides the HTTP surface of the paygate: the resource
// gateway state machine, framework-agnostic handlers for the resource,
// settlement, stats and health endpoints, and the client orchestrator that
// drives a payment end to end.
package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header names exchanged between client, gateway and facilitators
const (
	// ProofTokenHeader carries the settlement transaction hash
	ProofTokenHeader = "proof-token"
	// ProofPayerHeader names the payer the client settled as. It is only a
	// hint for which transfer to look for; the chain is always consulted.
	ProofPayerHeader = "proof-payer"
	// RequestIDHeader correlates a request across logs
	RequestIDHeader = "X-Request-Id"
)

// DefaultTimeout bounds each outbound HTTP call made by the orchestrator
const DefaultTimeout = 90 * time.Second

// Response is a framework-agnostic reply. Routers write Status and the
// JSON-encoded Body through their own context.
type Response struct {
	Status int
	Body   interface{}
}

func jsonResponse(status int, body interface{}) Response {
	return Response{Status: status, Body: body}
}

func newHTTPClient(client *http.Client, timeout time.Duration) *http.Client {
	if client != nil {
		return client
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// RequestID returns the inbound correlation id, or a fresh one when the
// client sent none
func RequestID(header string) string {
	if id := strings.TrimSpace(header); id != "" {
		return id
	}
	return uuid.NewString()
}

// MaxSettleBody caps the size of a settle request body
const MaxSettleBody = 64 << 10
