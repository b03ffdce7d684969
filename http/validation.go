package http

import (
	"fmt"
	"regexp"
)

var (
	txHashRegex  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// ValidateProofHeaders checks the shape of the proof headers. Both are
// optional; when present they must be a 32-byte hash and a 20-byte address.
func ValidateProofHeaders(proofToken, proofPayer string) error {
	if proofToken != "" && !txHashRegex.MatchString(proofToken) {
		return fmt.Errorf("invalid %s header: expected a 0x-prefixed 32-byte transaction hash", ProofTokenHeader)
	}
	if proofPayer != "" && !addressRegex.MatchString(proofPayer) {
		return fmt.Errorf("invalid %s header: expected a 0x-prefixed 20-byte address", ProofPayerHeader)
	}
	return nil
}
