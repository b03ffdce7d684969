package x402

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCategory groups error codes by how they surface to callers
type ErrorCategory string

const (
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryValidation     ErrorCategory = "validation"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryChainState     ErrorCategory = "chain_state"
	CategoryChainExecution ErrorCategory = "chain_execution"
	CategoryPending        ErrorCategory = "pending"
	CategoryBusy           ErrorCategory = "busy"
	CategoryProof          ErrorCategory = "proof"
)

// Error codes
const (
	ErrCodeConfiguration            = "configuration_error"
	ErrCodeValidation               = "validation_error"
	ErrCodeFacilitatorUnknown       = "facilitator_unknown"
	ErrCodeFacilitatorNotLive       = "facilitator_not_live"
	ErrCodeInsufficientGas          = "insufficient_gas"
	ErrCodeInsufficientTokenBalance = "insufficient_token_balance"
	ErrCodePermitExpired            = "permit_expired"
	ErrCodePermitAlreadyUsed        = "permit_already_used"
	ErrCodeOnChainRevert            = "on_chain_revert"
	ErrCodeRPCUnavailable           = "rpc_unavailable"
	ErrCodeConfirmationTimeout      = "confirmation_timeout"
	ErrCodeBusy                     = "busy"
	ErrCodeProofRejected            = "proof_rejected"
)

var codeCategories = map[string]ErrorCategory{
	ErrCodeConfiguration:            CategoryConfiguration,
	ErrCodeValidation:               CategoryValidation,
	ErrCodeFacilitatorUnknown:       CategoryNotFound,
	ErrCodeFacilitatorNotLive:       CategoryValidation,
	ErrCodeInsufficientGas:          CategoryChainState,
	ErrCodeInsufficientTokenBalance: CategoryChainState,
	ErrCodePermitExpired:            CategoryValidation,
	ErrCodePermitAlreadyUsed:        CategoryChainState,
	ErrCodeOnChainRevert:            CategoryChainExecution,
	ErrCodeRPCUnavailable:           CategoryChainExecution,
	ErrCodeConfirmationTimeout:      CategoryPending,
	ErrCodeBusy:                     CategoryBusy,
	ErrCodeProofRejected:            CategoryProof,
}

// Sentinels for errors.Is matching on code
var (
	ErrConfiguration            = &SettlementError{Code: ErrCodeConfiguration}
	ErrValidation               = &SettlementError{Code: ErrCodeValidation}
	ErrFacilitatorUnknown       = &SettlementError{Code: ErrCodeFacilitatorUnknown}
	ErrFacilitatorNotLive       = &SettlementError{Code: ErrCodeFacilitatorNotLive}
	ErrInsufficientGas          = &SettlementError{Code: ErrCodeInsufficientGas}
	ErrInsufficientTokenBalance = &SettlementError{Code: ErrCodeInsufficientTokenBalance}
	ErrPermitExpired            = &SettlementError{Code: ErrCodePermitExpired}
	ErrPermitAlreadyUsed        = &SettlementError{Code: ErrCodePermitAlreadyUsed}
	ErrOnChainRevert            = &SettlementError{Code: ErrCodeOnChainRevert}
	ErrRPCUnavailable           = &SettlementError{Code: ErrCodeRPCUnavailable}
	ErrConfirmationTimeout      = &SettlementError{Code: ErrCodeConfirmationTimeout}
	ErrBusy                     = &SettlementError{Code: ErrCodeBusy}
	ErrProofRejected            = &SettlementError{Code: ErrCodeProofRejected}
)

// SettlementError is the structured error raised by settlement components.
// Message is a short title safe to show to callers, Details carries
// remediation text. Cause is never serialized.
type SettlementError struct {
	Code    string
	Message string
	Details string
	TxHash  string
	Cause   error
}

func (e *SettlementError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	switch {
	case e.Details != "":
		msg = fmt.Sprintf("%s: %s", msg, e.Details)
	case e.Cause != nil:
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *SettlementError) Unwrap() error {
	return e.Cause
}

// Is matches any SettlementError carrying the same code
func (e *SettlementError) Is(target error) bool {
	t, ok := target.(*SettlementError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Category reports how the error surfaces
func (e *SettlementError) Category() ErrorCategory {
	if c, ok := codeCategories[e.Code]; ok {
		return c
	}
	return CategoryChainExecution
}

// HTTPStatus maps the error category to a response status
func (e *SettlementError) HTTPStatus() int {
	switch e.Category() {
	case CategoryValidation, CategoryChainState:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryPending:
		return http.StatusAccepted
	case CategoryBusy:
		return http.StatusConflict
	case CategoryProof:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the externally visible error body
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
	TxHash  string `json:"txHash,omitempty"`
}

// ToResponse renders the error without its cause
func (e *SettlementError) ToResponse() ErrorResponse {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	return ErrorResponse{
		Error:   msg,
		Details: e.Details,
		Code:    e.Code,
		TxHash:  e.TxHash,
	}
}

// NewSettlementError creates a new settlement error
func NewSettlementError(code, message, details string) *SettlementError {
	return &SettlementError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapSettlementError creates a settlement error with an underlying cause
func WrapSettlementError(code, message string, cause error) *SettlementError {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return &SettlementError{
		Code:    code,
		Message: message,
		Details: details,
		Cause:   cause,
	}
}

// NewValidationError creates a 400-class error raised before any chain interaction
func NewValidationError(details string) *SettlementError {
	return NewSettlementError(ErrCodeValidation, "Invalid settlement request", details)
}

// NewConfigurationError creates a startup error for missing or invalid settings
func NewConfigurationError(details string) *SettlementError {
	return NewSettlementError(ErrCodeConfiguration, "Invalid configuration", details)
}

// NewPendingError reports a submitted transaction that was not confirmed in time
func NewPendingError(txHash string, waited time.Duration) *SettlementError {
	return &SettlementError{
		Code:    ErrCodeConfirmationTimeout,
		Message: "Settlement pending",
		Details: fmt.Sprintf("transaction %s was submitted but not confirmed within %s; do not resubmit, query the transaction instead", txHash, waited),
		TxHash:  txHash,
	}
}

// AsSettlementError extracts a SettlementError, wrapping anything else as a
// generic chain execution failure
func AsSettlementError(err error) *SettlementError {
	if err == nil {
		return nil
	}
	var se *SettlementError
	if errors.As(err, &se) {
		return se
	}
	return &SettlementError{
		Code:    ErrCodeOnChainRevert,
		Message: "Settlement failed",
		Details: "the settlement could not be completed on-chain",
		Cause:   err,
	}
}
