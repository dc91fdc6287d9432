// Package solver sizes the collateral and borrow legs of a position from an
// entry kind and an input amount.
package solver

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

var (
	ErrInvalidParams     = errors.New("solver: invalid params")
	ErrUnknownEntryKind  = errors.New("solver: unknown entry kind")
	ErrInvalidProportion = errors.New("solver: proportion numerator and denominator must be positive")
)

// Params carries the market inputs of one sizing computation. Prices are USD
// scaled by 1e18; LiquidationThreshold, LTV and HealthFactor are scaled by 1e18.
type Params struct {
	PriceCollateral    *big.Int
	PriceBorrow        *big.Int
	DecimalsCollateral uint8
	DecimalsBorrow     uint8

	LiquidationThreshold *big.Int
	// LTV caps the borrow when it is stricter than LiquidationThreshold/HealthFactor.
	// Nil or zero disables the cap.
	LTV          *big.Int
	HealthFactor *big.Int
}

// Validate rejects params the formulas cannot be evaluated on.
func (p Params) Validate() error {
	switch {
	case !bmath.IsPositive(p.PriceCollateral), !bmath.IsPositive(p.PriceBorrow):
		return fmt.Errorf("%w: prices must be positive", ErrInvalidParams)
	case !bmath.IsPositive(p.LiquidationThreshold):
		return fmt.Errorf("%w: liquidation threshold must be positive", ErrInvalidParams)
	case !bmath.IsPositive(p.HealthFactor):
		return fmt.Errorf("%w: health factor must be positive", ErrInvalidParams)
	case p.HealthFactor.Cmp(p.LiquidationThreshold) <= 0:
		return fmt.Errorf("%w: health factor %s does not exceed liquidation threshold %s",
			ErrInvalidParams, p.HealthFactor, p.LiquidationThreshold)
	}
	return nil
}

// Ratio returns num/den with USD(borrow) = USD(collateral) * num / den.
func (p Params) Ratio() (num, den *big.Int) {
	num, den = bmath.Clone(p.LiquidationThreshold), bmath.Clone(p.HealthFactor)
	if bmath.IsPositive(p.LTV) {
		// ltv/1e18 < lt/hf  <=>  ltv*hf < lt*1e18
		left := new(big.Int).Mul(p.LTV, den)
		right := new(big.Int).Mul(num, bmath.Wad())
		if left.Cmp(right) < 0 {
			return bmath.Clone(p.LTV), bmath.Wad()
		}
	}
	return num, den
}

// MaxBorrowForCollateral returns the largest borrow keeping the health factor
// at the target for the given collateral. Rounds down.
func MaxBorrowForCollateral(collateral *big.Int, p Params) (*big.Int, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	num, den := p.Ratio()
	n := new(big.Int).Mul(bmath.Clone(collateral), p.PriceCollateral)
	n.Mul(n, num)
	n.Mul(n, bmath.Pow10(p.DecimalsBorrow))
	d := new(big.Int).Mul(p.PriceBorrow, den)
	d.Mul(d, bmath.Pow10(p.DecimalsCollateral))
	return n.Quo(n, d), nil
}

// MinCollateralForBorrow returns the smallest collateral supporting the borrow
// at the target health factor. Rounds up.
func MinCollateralForBorrow(borrow *big.Int, p Params) (*big.Int, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	num, den := p.Ratio()
	n := new(big.Int).Mul(bmath.Clone(borrow), p.PriceBorrow)
	n.Mul(n, den)
	n.Mul(n, bmath.Pow10(p.DecimalsCollateral))
	d := new(big.Int).Mul(p.PriceCollateral, num)
	d.Mul(d, bmath.Pow10(p.DecimalsBorrow))
	return bmath.DivUp(n, d), nil
}

// SplitByProportion splits amountIn into a deposited collateral leg C and a
// kept remainder R = amountIn - C, such that
// USD(R) * numerator == USD(borrow(C)) * denominator. Rounds C down.
func SplitByProportion(amountIn *big.Int, numerator, denominator uint64, p Params) (collateral, borrow *big.Int, err error) {
	if numerator == 0 || denominator == 0 {
		return nil, nil, ErrInvalidProportion
	}
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	rn, rd := p.Ratio()
	x := new(big.Int).Mul(new(big.Int).SetUint64(numerator), rd)
	y := new(big.Int).Mul(new(big.Int).SetUint64(denominator), rn)
	collateral = bmath.MulDiv(amountIn, x, new(big.Int).Add(x, y))
	borrow, err = MaxBorrowForCollateral(collateral, p)
	if err != nil {
		return nil, nil, err
	}
	return collateral, borrow, nil
}

// Solve dispatches on the entry kind and returns (collateral, borrow).
func Solve(kind types.EntryKind, amountIn *big.Int, p Params) (collateral, borrow *big.Int, err error) {
	switch kind.Tag {
	case types.EntryKindExactCollateralForMaxBorrow:
		borrow, err = MaxBorrowForCollateral(amountIn, p)
		if err != nil {
			return nil, nil, err
		}
		return bmath.Clone(amountIn), borrow, nil
	case types.EntryKindExactProportion:
		return SplitByProportion(amountIn, kind.Numerator, kind.Denominator, p)
	case types.EntryKindExactBorrowForMinCollateral:
		collateral, err = MinCollateralForBorrow(amountIn, p)
		if err != nil {
			return nil, nil, err
		}
		return collateral, bmath.Clone(amountIn), nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEntryKind, kind.Tag)
	}
}
