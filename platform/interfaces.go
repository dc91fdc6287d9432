// Package platform turns plan requests into sized, limit-checked conversion
// plans. The shared pipeline lives in Planner; protocol families plug in the
// parts that differ through Protocol.
package platform

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/borrowbot/types"
)

// Adapter computes conversion plans for one lending platform.
type Adapter interface {
	Platform() types.Platform
	Converter() types.Converter
	// ComputePlan returns an empty plan, not an error, when the platform
	// cannot service the request.
	ComputePlan(ctx context.Context, req types.PlanRequest) (types.ConversionPlan, error)
	// Snapshots reads both markets of a pair with oracle prices applied.
	Snapshots(ctx context.Context, collateral, borrow types.Asset) (*types.MarketSnapshot, *types.MarketSnapshot, error)
	RiskParams(collateral *types.MarketSnapshot) (ltv, liquidationThreshold *big.Int)
	String() string
}

// Protocol describes what differs between lending protocol families.
type Protocol interface {
	Platform() types.Platform
	// Supports reports whether the platform has a registered market for the asset.
	Supports(asset common.Address) bool
	// RiskParams returns the LTV and liquidation threshold of a collateral market.
	RiskParams(collateral *types.MarketSnapshot) (ltv, liquidationThreshold *big.Int)
	// BorrowLimit is the amount that can still be borrowed from the market.
	BorrowLimit(borrow *types.MarketSnapshot) *big.Int
	// SupplyLimit is the amount that can still be supplied, MaxUint256 when unlimited.
	SupplyLimit(collateral *types.MarketSnapshot) *big.Int
	// PredictRates returns per-block rates after supplying and borrowing the amounts.
	PredictRates(collateral, borrow *types.MarketSnapshot, supplyAmount, borrowAmount *big.Int) Rates
	// Rewards over the horizon in borrow asset units.
	Rewards(collateral, borrow *types.MarketSnapshot, collateralInBorrow, borrowAmount *big.Int, blocks uint64) *big.Int
}

// Rates are per-block rates scaled by 1e18.
type Rates struct {
	BorrowPerBlock *big.Int
	SupplyPerBlock *big.Int
}
