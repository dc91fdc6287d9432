package types

import "math/big"

// MarketSnapshot is a point-in-time read of one asset's market on one platform.
//
// Token amounts are in the asset's smallest unit unless a platform documents
// otherwise (AAVE v3 reports caps in whole tokens). Prices are USD scaled by
// 1e18; ratios and per-block rates are scaled by 1e18.
type MarketSnapshot struct {
	Platform    Platform
	Asset       Asset
	BlockNumber uint64

	PriceUSD *big.Int

	Cash          *big.Int
	TotalBorrows  *big.Int
	TotalReserves *big.Int
	TotalSupply   *big.Int

	CollateralFactor     *big.Int
	LiquidationThreshold *big.Int
	BorrowCap            *big.Int
	SupplyCap            *big.Int
	ReserveFactor        *big.Int

	BorrowRatePerBlock *big.Int
	SupplyRatePerBlock *big.Int

	// Reward emission per block per unit supplied/borrowed, valued in the
	// same asset. Zero on platforms without incentives.
	SupplyRewardRatePerBlock *big.Int
	BorrowRewardRatePerBlock *big.Int

	MintPaused   bool
	BorrowPaused bool
	Frozen       bool
}

// Clone returns a deep copy with nil amounts replaced by zero.
func (s *MarketSnapshot) Clone() *MarketSnapshot {
	if s == nil {
		return nil
	}
	clone := *s
	clone.PriceUSD = cloneInt(s.PriceUSD)
	clone.Cash = cloneInt(s.Cash)
	clone.TotalBorrows = cloneInt(s.TotalBorrows)
	clone.TotalReserves = cloneInt(s.TotalReserves)
	clone.TotalSupply = cloneInt(s.TotalSupply)
	clone.CollateralFactor = cloneInt(s.CollateralFactor)
	clone.LiquidationThreshold = cloneInt(s.LiquidationThreshold)
	clone.BorrowCap = cloneInt(s.BorrowCap)
	clone.SupplyCap = cloneInt(s.SupplyCap)
	clone.ReserveFactor = cloneInt(s.ReserveFactor)
	clone.BorrowRatePerBlock = cloneInt(s.BorrowRatePerBlock)
	clone.SupplyRatePerBlock = cloneInt(s.SupplyRatePerBlock)
	clone.SupplyRewardRatePerBlock = cloneInt(s.SupplyRewardRatePerBlock)
	clone.BorrowRewardRatePerBlock = cloneInt(s.BorrowRewardRatePerBlock)
	return &clone
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
