package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// ComputeFee returns floor(value * feeBps / 10000).
// Negative or nil values yield a zero fee.
func ComputeFee(value *big.Int, feeBps uint32) *big.Int {
	if value == nil || value.Sign() <= 0 || feeBps == 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(value, new(big.Int).SetUint64(uint64(feeBps)))
	return fee.Quo(fee, big.NewInt(BpsDenominator))
}

// NetAmount returns value minus its fee
func NetAmount(value *big.Int, feeBps uint32) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	return new(big.Int).Sub(value, ComputeFee(value, feeBps))
}

// FormatFeeRate renders basis points as a percentage label, e.g. 50 -> "0.5%"
func FormatFeeRate(feeBps uint32) string {
	whole := feeBps / 100
	frac := feeBps % 100
	if frac == 0 {
		return fmt.Sprintf("%d.0%%", whole)
	}
	s := strings.TrimRight(fmt.Sprintf("%02d", frac), "0")
	return fmt.Sprintf("%d.%s%%", whole, s)
}

// ToTokenUnits converts a decimal amount such as "1" or "0.25" into integer
// token units for the given decimals
func ToTokenUnits(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	parts := strings.SplitN(amount, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > int(decimals) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	fracPart += strings.Repeat("0", int(decimals)-len(fracPart))
	if intPart == "" {
		intPart = "0"
	}
	units, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok || units.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}
	return units, nil
}

// FromTokenUnits renders integer token units as a decimal string
func FromTokenUnits(units *big.Int, decimals uint8) string {
	if units == nil {
		return "0"
	}
	neg := units.Sign() < 0
	digits := new(big.Int).Abs(units).String()
	d := int(decimals)
	if len(digits) <= d {
		digits = strings.Repeat("0", d-len(digits)+1) + digits
	}
	intPart := digits[:len(digits)-d]
	fracPart := strings.TrimRight(digits[len(digits)-d:], "0")
	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg {
		out = "-" + out
	}
	return out
}
