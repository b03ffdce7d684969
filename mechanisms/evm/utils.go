package evm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	hash32Regex  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// IsValidAddress reports whether s is a 0x-prefixed 20-byte hex address
func IsValidAddress(s string) bool {
	return addressRegex.MatchString(s)
}

// IsValidTxHash reports whether s is a 0x-prefixed 32-byte hex hash
func IsValidTxHash(s string) bool {
	return hash32Regex.MatchString(s)
}

// EqualAddress compares two addresses case-insensitively
func EqualAddress(a, b string) bool {
	return IsValidAddress(a) && IsValidAddress(b) && strings.EqualFold(a, b)
}

// HexToBytes decodes a hex string with or without 0x prefix
func HexToBytes(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if s == "0x" {
		return []byte{}, nil
	}
	b, err := hexutil.Decode(strings.ToLower(s[:2]) + s[2:])
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

// Bytes32 decodes a 32-byte hex value
func Bytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// AddressFromTopic extracts the address packed in the low 20 bytes of an
// indexed event topic
func AddressFromTopic(topic string) (string, error) {
	b, err := HexToBytes(topic)
	if err != nil {
		return "", err
	}
	if len(b) != 32 {
		return "", fmt.Errorf("topic must be 32 bytes, got %d", len(b))
	}
	return common.BytesToAddress(b[12:]).Hex(), nil
}

// SplitSignature splits a 65-byte r||s||v signature into its components.
// v is normalized to 27/28.
func SplitSignature(sig []byte) (uint8, string, string, error) {
	if len(sig) != 65 {
		return 0, "", "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return v, hexutil.Encode(sig[0:32]), hexutil.Encode(sig[32:64]), nil
}

// JoinSignature assembles a 65-byte r||s||v signature
func JoinSignature(v uint8, r, s string) ([]byte, error) {
	rb, err := Bytes32(r)
	if err != nil {
		return nil, fmt.Errorf("invalid r: %w", err)
	}
	sb, err := Bytes32(s)
	if err != nil {
		return nil, fmt.Errorf("invalid s: %w", err)
	}
	sig := make([]byte, 65)
	copy(sig[0:32], rb[:])
	copy(sig[32:64], sb[:])
	sig[64] = v
	return sig, nil
}
