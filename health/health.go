// Package health computes health factors, the debt gap applied to full
// repayments and the amounts needed to bring a position back to its target.
package health

import (
	"math/big"

	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

const (
	// DebtGapNumerator / DebtGapDenominator is the overshoot (1%) sent on full
	// repayment when interest accrues between read and execution.
	DebtGapNumerator   = 1_000
	DebtGapDenominator = 100_000
)

var (
	debtGapNum = big.NewInt(DebtGapDenominator + DebtGapNumerator)
	debtGapDen = big.NewInt(DebtGapDenominator)
)

// Infinite is the health factor of a position without debt.
func Infinite() *big.Int {
	return bmath.MaxUint256()
}

// HealthFactor returns collateralUSD * lt / debtUSD, scaled by 1e18 when lt is.
// Zero debt yields Infinite.
func HealthFactor(collateralUSD, debtUSD, liquidationThreshold *big.Int) *big.Int {
	if bmath.IsZero(debtUSD) {
		return Infinite()
	}
	return bmath.MulDiv(collateralUSD, liquidationThreshold, debtUSD)
}

// Valuation is what a health factor is computed from.
type Valuation struct {
	Collateral         *big.Int
	Debt               *big.Int
	PriceCollateral    *big.Int
	PriceBorrow        *big.Int
	DecimalsCollateral uint8
	DecimalsBorrow     uint8
	// LiquidationThreshold of the collateral asset, scaled by 1e18.
	LiquidationThreshold *big.Int
}

// HealthFactor of the valued position, scaled by 1e18.
func (v Valuation) HealthFactor() *big.Int {
	if bmath.IsZero(v.Debt) {
		return Infinite()
	}
	collateralUSD := bmath.ToUSD(v.Collateral, v.PriceCollateral, v.DecimalsCollateral)
	debtUSD := bmath.ToUSD(v.Debt, v.PriceBorrow, v.DecimalsBorrow)
	if debtUSD.Sign() == 0 {
		// dust debt below one USD wei
		return Infinite()
	}
	return HealthFactor(collateralUSD, debtUSD, v.LiquidationThreshold)
}

// CollateralInBorrowAsset converts the collateral into borrow asset units. Rounds down.
func (v Valuation) CollateralInBorrowAsset() *big.Int {
	return bmath.ConvertAmount(v.Collateral, v.PriceCollateral, v.DecimalsCollateral, v.PriceBorrow, v.DecimalsBorrow)
}

// DebtInCollateralAsset converts the debt into collateral asset units. Rounds down.
func (v Valuation) DebtInCollateralAsset() *big.Int {
	return bmath.ConvertAmount(v.Debt, v.PriceBorrow, v.DecimalsBorrow, v.PriceCollateral, v.DecimalsCollateral)
}

// PlusDebtGap grows amount by the debt gap when required. Rounds up.
func PlusDebtGap(amount *big.Int, required bool) *big.Int {
	if !required {
		return bmath.Clone(amount)
	}
	return bmath.MulDivUp(amount, debtGapNum, debtGapDen)
}

// RemoveDebtGap is the inverse of PlusDebtGap. Rounds down, so
// RemoveDebtGap(PlusDebtGap(x)) == x.
func RemoveDebtGap(amount *big.Int, required bool) *big.Int {
	if !required {
		return bmath.Clone(amount)
	}
	return bmath.MulDiv(amount, debtGapDen, debtGapNum)
}
