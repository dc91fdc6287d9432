package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EntryKindTag selects how an input amount is split between collateral and borrow.
type EntryKindTag uint8

const (
	// EntryKindExactCollateralForMaxBorrow fixes the collateral and maximizes the borrow.
	EntryKindExactCollateralForMaxBorrow EntryKindTag = 0
	// EntryKindExactProportion splits the input into a deposited leg and a kept leg.
	EntryKindExactProportion EntryKindTag = 1
	// EntryKindExactBorrowForMinCollateral fixes the borrow and minimizes the collateral.
	EntryKindExactBorrowForMinCollateral EntryKindTag = 2
)

func (t EntryKindTag) String() string {
	switch t {
	case EntryKindExactCollateralForMaxBorrow:
		return "exact-collateral-for-max-borrow"
	case EntryKindExactProportion:
		return "exact-proportion"
	case EntryKindExactBorrowForMinCollateral:
		return "exact-borrow-for-min-collateral"
	default:
		return fmt.Sprintf("entry-kind(%d)", uint8(t))
	}
}

// EntryKind is the tagged entry mode. Numerator and Denominator are only
// meaningful for EntryKindExactProportion.
type EntryKind struct {
	Tag         EntryKindTag
	Numerator   uint64
	Denominator uint64
}

func ExactCollateralForMaxBorrow() EntryKind {
	return EntryKind{Tag: EntryKindExactCollateralForMaxBorrow}
}

// ExactProportion splits the input so that USD(kept) : USD(borrowed) == denominator : numerator.
func ExactProportion(numerator, denominator uint64) EntryKind {
	return EntryKind{Tag: EntryKindExactProportion, Numerator: numerator, Denominator: denominator}
}

func ExactBorrowForMinCollateral() EntryKind {
	return EntryKind{Tag: EntryKindExactBorrowForMinCollateral}
}

// PlanRequest describes what a caller wants to borrow.
type PlanRequest struct {
	CollateralAsset Asset
	BorrowAsset     Asset
	AmountIn        *big.Int
	EntryKind       EntryKind
	CountBlocks     uint64
	// HealthFactor2 is the target health factor scaled by 1e2 (120 = 1.20).
	// Zero selects the governance target.
	HealthFactor2 uint64
}

// Pair returns the requested asset pair
func (r PlanRequest) Pair() AssetPair {
	return AssetPair{Collateral: r.CollateralAsset.Address, Borrow: r.BorrowAsset.Address}
}

// Converter is the opaque handle of the platform that produced a plan.
type Converter struct {
	Platform Platform
	Address  common.Address
}

// IsNone reports whether the handle is empty
func (c Converter) IsNone() bool {
	return c.Platform == "" && c.Address == (common.Address{})
}

// ConversionPlan is the sized, limit-checked proposal for opening or growing
// a position on one platform. A plan whose Converter is none means the
// platform cannot service the request; Rejection then says why.
type ConversionPlan struct {
	Converter       Converter
	CollateralAsset Asset
	BorrowAsset     Asset
	EntryKind       EntryKind
	BlockNumber     uint64

	CollateralAmount  *big.Int
	AmountToBorrow    *big.Int
	MaxAmountToBorrow *big.Int
	MaxAmountToSupply *big.Int

	LTV                  *big.Int
	LiquidationThreshold *big.Int

	// Predicted per-block rates after the position is added, scaled by 1e18.
	BorrowCostRate   *big.Int
	SupplyIncomeRate *big.Int

	// Totals over the requested block horizon, in borrow asset units.
	BorrowCost                *big.Int
	SupplyIncomeInBorrowAsset *big.Int
	RewardsAmount             *big.Int

	AmountCollateralInBorrowAssetUnits *big.Int

	Rejection string
}

// EmptyPlan returns a plan meaning "no plan available" with the given reason.
func EmptyPlan(reason string) ConversionPlan {
	return ConversionPlan{
		CollateralAmount:                   new(big.Int),
		AmountToBorrow:                     new(big.Int),
		MaxAmountToBorrow:                  new(big.Int),
		MaxAmountToSupply:                  new(big.Int),
		LTV:                                new(big.Int),
		LiquidationThreshold:               new(big.Int),
		BorrowCostRate:                     new(big.Int),
		SupplyIncomeRate:                   new(big.Int),
		BorrowCost:                         new(big.Int),
		SupplyIncomeInBorrowAsset:          new(big.Int),
		RewardsAmount:                      new(big.Int),
		AmountCollateralInBorrowAssetUnits: new(big.Int),
		Rejection:                          reason,
	}
}

// IsEmpty reports whether the plan carries no converter.
func (p ConversionPlan) IsEmpty() bool {
	return p.Converter.IsNone()
}

// NetCost is the horizon borrow cost minus supply income and rewards. It may
// be negative when incentives exceed the cost.
func (p ConversionPlan) NetCost() *big.Int {
	cost := new(big.Int).Set(cloneInt(p.BorrowCost))
	cost.Sub(cost, cloneInt(p.SupplyIncomeInBorrowAsset))
	cost.Sub(cost, cloneInt(p.RewardsAmount))
	return cost
}
