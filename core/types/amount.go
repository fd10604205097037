package types

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Unlimited returns the allowance value that is never decremented on spend.
func Unlimited() *uint256.Int { return new(uint256.Int).SetAllOne() }

// IsUnlimited reports whether v is the unlimited allowance sentinel.
func IsUnlimited(v *uint256.Int) bool {
	return v != nil && v.Eq(Unlimited())
}

// ParseAmount parses a non-negative decimal amount. The literal "max" maps to
// the unlimited allowance.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "max") {
		return Unlimited(), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// AmountOrZero returns a copy of v, treating nil as zero.
func AmountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// EncodeAmount renders v as 32 big-endian bytes.
func EncodeAmount(v *uint256.Int) []byte {
	b := AmountOrZero(v).Bytes32()
	return b[:]
}

// DecodeAmount parses the output of EncodeAmount.
func DecodeAmount(b []byte) (*uint256.Int, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("amount encoding must be 32 bytes, got %d", len(b))
	}
	return new(uint256.Int).SetBytes32(b), nil
}
