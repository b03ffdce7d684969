package evm

import (
	"fmt"
	"strings"

	x402 "github.com/x402-foundation/paygate"
)

// ParseRevertError maps a failed contract call onto the settlement error
// taxonomy. A replayed or invalidated permit becomes PermitAlreadyUsed rather
// than a generic revert.
func ParseRevertError(err error, function string) *x402.SettlementError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	var code, title, details string
	switch {
	case strings.Contains(msg, "insufficient funds for gas"),
		strings.Contains(msg, "insufficient funds for transfer"):
		code = x402.ErrCodeInsufficientGas
		title = "Insufficient gas"
		details = "the facilitator wallet cannot cover gas for this transaction; fund it with the native token"
	case strings.Contains(msg, "erc2612expiredsignature"),
		strings.Contains(msg, "permit expired"),
		strings.Contains(msg, "expired deadline"):
		code = x402.ErrCodePermitExpired
		title = "Permit expired"
		details = "the permit deadline passed before it reached the chain; sign a new permit"
	case strings.Contains(msg, "erc2612invalidsigner"),
		strings.Contains(msg, "invalid signature"),
		strings.Contains(msg, "invalid_signature"),
		strings.Contains(msg, "invalid nonce"),
		strings.Contains(msg, "invalid permit"):
		code = x402.ErrCodePermitAlreadyUsed
		title = "Permit already used"
		details = "the token rejected the permit signature; it was already consumed or signed for another nonce"
	case strings.Contains(msg, "erc20insufficientbalance"),
		strings.Contains(msg, "transfer amount exceeds balance"),
		strings.Contains(msg, "insufficient balance"):
		code = x402.ErrCodeInsufficientTokenBalance
		title = "Insufficient token balance"
		details = "the paying account does not hold enough tokens"
	default:
		code = x402.ErrCodeOnChainRevert
		title = "Settlement failed"
		details = fmt.Sprintf("%s reverted: %s", function, revertReason(err))
	}

	return &x402.SettlementError{
		Code:    code,
		Message: title,
		Details: details,
		Cause:   err,
	}
}

// revertReason extracts the text after "execution reverted" when present
func revertReason(err error) string {
	msg := err.Error()
	const marker = "execution reverted"
	if i := strings.Index(strings.ToLower(msg), marker); i >= 0 {
		reason := strings.TrimSpace(strings.TrimLeft(msg[i+len(marker):], ": "))
		if reason != "" {
			return reason
		}
		return "no reason given"
	}
	return "transaction failed"
}
