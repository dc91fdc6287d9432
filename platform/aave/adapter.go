// Package aave plans positions on AAVE v2 and v3 lending pools.
package aave

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/borrowbot/platform"
	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

// Version of the AAVE pool
type Version uint8

const (
	V2 Version = 2
	V3 Version = 3
)

// DefaultBlocksPerYear assumes 12 second blocks.
const DefaultBlocksPerYear = 2_628_000

// RateModel is the reserve interest strategy. Rates are annual, scaled by 1e18.
type RateModel struct {
	BaseRate           *big.Int
	Slope1             *big.Int
	Slope2             *big.Int
	OptimalUtilization *big.Int
}

// BorrowRate returns the annual variable borrow rate at utilization u.
func (m RateModel) BorrowRate(u *big.Int) *big.Int {
	rate := bmath.Clone(m.BaseRate)
	opt := bmath.Clone(m.OptimalUtilization)
	if opt.Sign() == 0 {
		return rate.Add(rate, bmath.WadMul(m.Slope1, u))
	}
	if u.Cmp(opt) <= 0 {
		return rate.Add(rate, bmath.MulDiv(m.Slope1, u, opt))
	}
	rate.Add(rate, bmath.Clone(m.Slope1))
	excess := new(big.Int).Sub(u, opt)
	rest := new(big.Int).Sub(bmath.Wad(), opt)
	return rate.Add(rate, bmath.MulDiv(m.Slope2, excess, rest))
}

type Config struct {
	Version Version
	// Markets lists the registered reserves. A nil model falls back to the
	// rates reported by the market snapshot.
	Markets       map[common.Address]*RateModel
	BlocksPerYear uint64
}

// Adapter plans positions on one AAVE pool.
type Adapter struct {
	*platform.Planner

	version       Version
	blocksPerYear *big.Int
	mu            sync.RWMutex
	markets       map[common.Address]*RateModel
}

func NewAdapter(cfg Config, deps platform.Deps) (*Adapter, error) {
	if cfg.Version != V2 && cfg.Version != V3 {
		return nil, fmt.Errorf("unsupported aave version %d", cfg.Version)
	}
	blocks := cfg.BlocksPerYear
	if blocks == 0 {
		blocks = DefaultBlocksPerYear
	}
	a := &Adapter{
		version:       cfg.Version,
		blocksPerYear: new(big.Int).SetUint64(blocks),
		markets:       make(map[common.Address]*RateModel, len(cfg.Markets)),
	}
	for asset, model := range cfg.Markets {
		a.markets[asset] = model
	}

	planner, err := platform.NewPlanner(a, deps)
	if err != nil {
		return nil, err
	}
	a.Planner = planner
	return a, nil
}

// RegisterMarket adds or replaces a reserve.
func (a *Adapter) RegisterMarket(asset common.Address, model *RateModel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markets[asset] = model
}

func (a *Adapter) Platform() types.Platform {
	if a.version == V2 {
		return types.PlatformAaveV2
	}
	return types.PlatformAaveV3
}

func (a *Adapter) Supports(asset common.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.markets[asset]
	return ok
}

func (a *Adapter) RiskParams(collateral *types.MarketSnapshot) (*big.Int, *big.Int) {
	return bmath.Clone(collateral.CollateralFactor), bmath.Clone(collateral.LiquidationThreshold)
}

// BorrowLimit ignores caps on v2. v3 caps are whole tokens with zero meaning uncapped.
func (a *Adapter) BorrowLimit(borrow *types.MarketSnapshot) *big.Int {
	if a.version == V2 {
		return platform.BorrowHeadroom(borrow.Cash, borrow.TotalBorrows, nil, platform.CapIgnored)
	}
	capUnits := platform.ScaleCap(borrow.BorrowCap, borrow.Asset.Decimals)
	return platform.BorrowHeadroom(borrow.Cash, borrow.TotalBorrows, capUnits, platform.CapZeroUnlimited)
}

func (a *Adapter) SupplyLimit(collateral *types.MarketSnapshot) *big.Int {
	if a.version == V2 {
		return platform.SupplyHeadroom(collateral.TotalSupply, nil, platform.CapIgnored)
	}
	capUnits := platform.ScaleCap(collateral.SupplyCap, collateral.Asset.Decimals)
	return platform.SupplyHeadroom(collateral.TotalSupply, capUnits, platform.CapZeroUnlimited)
}

// PredictRates evaluates the reserve strategies after the position is added.
// Utilization is debt / (available liquidity + debt).
func (a *Adapter) PredictRates(collateral, borrow *types.MarketSnapshot, supplyAmount, borrowAmount *big.Int) platform.Rates {
	rates := platform.CurrentRates(collateral, borrow)

	a.mu.RLock()
	borrowModel := a.markets[borrow.Asset.Address]
	supplyModel := a.markets[collateral.Asset.Address]
	a.mu.RUnlock()

	if borrowModel != nil {
		debt := new(big.Int).Add(bmath.Clone(borrow.TotalBorrows), borrowAmount)
		liquidity := bmath.SubFloor(borrow.Cash, borrowAmount)
		u := platform.Utilization(liquidity, debt, nil)
		rates.BorrowPerBlock = new(big.Int).Quo(borrowModel.BorrowRate(u), a.blocksPerYear)
	}
	if supplyModel != nil {
		liquidity := new(big.Int).Add(bmath.Clone(collateral.Cash), supplyAmount)
		u := platform.Utilization(liquidity, collateral.TotalBorrows, nil)
		annual := platform.SupplyRate(supplyModel.BorrowRate(u), u, collateral.ReserveFactor)
		rates.SupplyPerBlock = new(big.Int).Quo(annual, a.blocksPerYear)
	}
	return rates
}

func (a *Adapter) Rewards(collateral, borrow *types.MarketSnapshot, collateralInBorrow, borrowAmount *big.Int, blocks uint64) *big.Int {
	return platform.EmissionRewards(collateral, borrow, collateralInBorrow, borrowAmount, blocks)
}

var _ platform.Adapter = (*Adapter)(nil)
var _ platform.Protocol = (*Adapter)(nil)
