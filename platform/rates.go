package platform

import (
	"math/big"

	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

// Utilization returns borrows / (cash + borrows - reserves) scaled by 1e18,
// zero for an empty market.
func Utilization(cash, borrows, reserves *big.Int) *big.Int {
	den := new(big.Int).Add(bmath.Clone(cash), bmath.Clone(borrows))
	den.Sub(den, bmath.Clone(reserves))
	if den.Sign() <= 0 || bmath.IsZero(borrows) {
		return new(big.Int)
	}
	u := bmath.WadDiv(borrows, den)
	return bmath.Min(u, bmath.Wad())
}

// SupplyRate derives the supplier rate from the borrow rate:
// borrowRate * utilization * (1 - reserveFactor).
func SupplyRate(borrowRate, utilization, reserveFactor *big.Int) *big.Int {
	keep := bmath.SubFloor(bmath.Wad(), reserveFactor)
	return bmath.WadMul(bmath.WadMul(borrowRate, utilization), keep)
}

// CurrentRates falls back to the rates reported by the snapshots.
func CurrentRates(collateral, borrow *types.MarketSnapshot) Rates {
	return Rates{
		BorrowPerBlock: bmath.Clone(borrow.BorrowRatePerBlock),
		SupplyPerBlock: bmath.Clone(collateral.SupplyRatePerBlock),
	}
}

// EmissionRewards values per-block reward emissions over the horizon:
// (collateralInBorrow * supplyReward + borrow * borrowReward) * blocks.
func EmissionRewards(collateral, borrow *types.MarketSnapshot, collateralInBorrow, borrowAmount *big.Int, blocks uint64) *big.Int {
	perBlock := bmath.WadMul(collateralInBorrow, bmath.Clone(collateral.SupplyRewardRatePerBlock))
	perBlock.Add(perBlock, bmath.WadMul(borrowAmount, bmath.Clone(borrow.BorrowRewardRatePerBlock)))
	return perBlock.Mul(perBlock, new(big.Int).SetUint64(blocks))
}
