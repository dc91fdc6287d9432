package math

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseUnits converts a decimal string such as "12.5" into the smallest unit
// of a token with the given decimals. Extra precision is truncated.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	return d.Shift(int32(decimals)).BigInt(), nil
}

// ParseWad parses a decimal ratio into 1e18 scale.
func ParseWad(s string) (*big.Int, error) {
	return ParseUnits(s, WadDecimals)
}

// FormatUnits renders an amount in smallest units as a decimal string.
func FormatUnits(x *big.Int, decimals uint8) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -int32(decimals)).String()
}

// FormatWad renders a 1e18 scaled value with the given number of places.
func FormatWad(x *big.Int, places int32) string {
	if IsMaxUint256(x) {
		return "inf"
	}
	return decimal.NewFromBigInt(Clone(x), -WadDecimals).StringFixed(places)
}
