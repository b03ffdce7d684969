package evm

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"

	x402 "github.com/x402-foundation/paygate"
)

// RetryPolicy bounds retries of idempotent RPC reads
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries three times starting at 250ms
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 250 * time.Millisecond}

// do runs fn until it succeeds, fails permanently, or attempts run out.
// Delays double after each transient failure.
func (p RetryPolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		delay := p.BaseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return rpcUnavailable(op, ctx.Err())
		}
	}
	return rpcUnavailable(op, lastErr)
}

func rpcUnavailable(op string, cause error) *x402.SettlementError {
	return &x402.SettlementError{
		Code:    x402.ErrCodeRPCUnavailable,
		Message: "Settlement failed",
		Details: "chain RPC unavailable during " + op,
		Cause:   cause,
	}
}

// isTransient reports errors worth retrying: network failures, timeouts and
// provider throttling. Not-found results and reverts are permanent.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, ethereum.NotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"too many requests",
		"429",
		"502",
		"503",
		"504",
		"service unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
