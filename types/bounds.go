package types

import (
	"fmt"
	"math/big"
)

// HealthFactorScale2 is the denominator of health factors expressed with two decimals.
const HealthFactorScale2 = 100

// HealthFactorBounds holds the configured health factor range, scaled by 1e2.
// Max of zero means no upper bound.
type HealthFactorBounds struct {
	Min    uint64
	Target uint64
	Max    uint64
}

// Validate checks min < target, and target < max when max is defined.
func (b HealthFactorBounds) Validate() error {
	if b.Min < HealthFactorScale2 {
		return fmt.Errorf("%w: min health factor %d is below 1.00", ErrInvalidInput, b.Min)
	}
	if b.Min >= b.Target {
		return fmt.Errorf("%w: min health factor %d must be below target %d", ErrInvalidInput, b.Min, b.Target)
	}
	if b.Max != 0 && b.Target >= b.Max {
		return fmt.Errorf("%w: target health factor %d must be below max %d", ErrInvalidInput, b.Target, b.Max)
	}
	return nil
}

// HealthFactor2ToWad converts a 1e2-scaled health factor into 1e18 scale.
func HealthFactor2ToWad(hf2 uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(hf2), big.NewInt(1e16))
}

func (b HealthFactorBounds) MinWad() *big.Int    { return HealthFactor2ToWad(b.Min) }
func (b HealthFactorBounds) TargetWad() *big.Int { return HealthFactor2ToWad(b.Target) }

// MaxWad returns nil when no upper bound is configured.
func (b HealthFactorBounds) MaxWad() *big.Int {
	if b.Max == 0 {
		return nil
	}
	return HealthFactor2ToWad(b.Max)
}
