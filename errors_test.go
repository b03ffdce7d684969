package x402

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSettlementError_StatusMapping(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{ErrCodeValidation, http.StatusBadRequest},
		{ErrCodeInsufficientGas, http.StatusBadRequest},
		{ErrCodeInsufficientTokenBalance, http.StatusBadRequest},
		{ErrCodePermitExpired, http.StatusBadRequest},
		{ErrCodePermitAlreadyUsed, http.StatusBadRequest},
		{ErrCodeFacilitatorNotLive, http.StatusBadRequest},
		{ErrCodeFacilitatorUnknown, http.StatusNotFound},
		{ErrCodeOnChainRevert, http.StatusInternalServerError},
		{ErrCodeRPCUnavailable, http.StatusInternalServerError},
		{ErrCodeConfiguration, http.StatusInternalServerError},
		{ErrCodeConfirmationTimeout, http.StatusAccepted},
		{ErrCodeBusy, http.StatusConflict},
		{ErrCodeProofRejected, http.StatusPaymentRequired},
		{"something_else", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := NewSettlementError(tt.code, "msg", "details")
			assert.Equal(t, tt.status, err.HTTPStatus())
		})
	}
}

func TestSettlementError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("settle alpha: %w", NewSettlementError(ErrCodeInsufficientGas, "Insufficient gas", "fund the wallet"))

	assert.True(t, errors.Is(err, ErrInsufficientGas))
	assert.False(t, errors.Is(err, ErrInsufficientTokenBalance))

	var se *SettlementError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, CategoryChainState, se.Category())
}

func TestSettlementError_ResponseHidesCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:8545: connection refused")
	err := &SettlementError{Code: ErrCodeRPCUnavailable, Message: "Settlement failed", Details: "chain RPC unavailable", Cause: cause}

	resp := err.ToResponse()
	assert.Equal(t, "Settlement failed", resp.Error)
	assert.Equal(t, "chain RPC unavailable", resp.Details)
	assert.NotContains(t, resp.Details, "10.0.0.1")
	assert.ErrorIs(t, err, cause)
}

func TestPendingError(t *testing.T) {
	err := NewPendingError("0xabc", 30*time.Second)

	assert.True(t, errors.Is(err, ErrConfirmationTimeout))
	assert.Equal(t, CategoryPending, err.Category())
	assert.Equal(t, "0xabc", err.ToResponse().TxHash)
	assert.Contains(t, err.Details, "30s")
}

func TestAsSettlementError(t *testing.T) {
	assert.Nil(t, AsSettlementError(nil))

	plain := AsSettlementError(errors.New("boom"))
	assert.Equal(t, ErrCodeOnChainRevert, plain.Code)

	typed := NewValidationError("bad")
	assert.Same(t, typed, AsSettlementError(fmt.Errorf("wrap: %w", typed)))
}
