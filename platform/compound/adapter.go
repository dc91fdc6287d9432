// Package compound plans positions on Compound-style money markets: Moonwell,
// Hundred Finance and dForce.
package compound

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/borrowbot/platform"
	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

// Family selects the fork-specific rules.
type Family uint8

const (
	Moonwell Family = iota
	HundredFinance
	DForce
)

func (f Family) Platform() types.Platform {
	switch f {
	case Moonwell:
		return types.PlatformMoonwell
	case HundredFinance:
		return types.PlatformHundredFinance
	case DForce:
		return types.PlatformDForce
	default:
		return types.Platform(fmt.Sprintf("compound-%d", f))
	}
}

// FamilyFor maps a platform name to its family.
func FamilyFor(p types.Platform) (Family, error) {
	switch p {
	case types.PlatformMoonwell:
		return Moonwell, nil
	case types.PlatformHundredFinance:
		return HundredFinance, nil
	case types.PlatformDForce:
		return DForce, nil
	}
	return 0, fmt.Errorf("platform %s is not a compound fork", p)
}

// JumpRateModel is the per-block interest model of a cToken, scaled by 1e18.
type JumpRateModel struct {
	BaseRatePerBlock       *big.Int
	MultiplierPerBlock     *big.Int
	JumpMultiplierPerBlock *big.Int
	Kink                   *big.Int
}

// BorrowRate returns the per-block borrow rate at utilization u.
func (m JumpRateModel) BorrowRate(u *big.Int) *big.Int {
	rate := bmath.Clone(m.BaseRatePerBlock)
	kink := bmath.Clone(m.Kink)
	if kink.Sign() == 0 || u.Cmp(kink) <= 0 {
		return rate.Add(rate, bmath.WadMul(u, m.MultiplierPerBlock))
	}
	rate.Add(rate, bmath.WadMul(kink, m.MultiplierPerBlock))
	excess := new(big.Int).Sub(u, kink)
	return rate.Add(rate, bmath.WadMul(excess, m.JumpMultiplierPerBlock))
}

type Config struct {
	Family Family
	// Markets lists the listed cTokens by underlying asset. A nil model falls
	// back to the rates reported by the market snapshot.
	Markets map[common.Address]*JumpRateModel
}

// Adapter plans positions on one comptroller.
type Adapter struct {
	*platform.Planner

	family  Family
	mu      sync.RWMutex
	markets map[common.Address]*JumpRateModel
}

func NewAdapter(cfg Config, deps platform.Deps) (*Adapter, error) {
	if cfg.Family > DForce {
		return nil, fmt.Errorf("unsupported compound family %d", cfg.Family)
	}
	a := &Adapter{
		family:  cfg.Family,
		markets: make(map[common.Address]*JumpRateModel, len(cfg.Markets)),
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

// RegisterMarket lists a cToken for the underlying asset.
func (a *Adapter) RegisterMarket(asset common.Address, model *JumpRateModel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markets[asset] = model
}

func (a *Adapter) Platform() types.Platform {
	return a.family.Platform()
}

func (a *Adapter) Supports(asset common.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.markets[asset]
	return ok
}

// RiskParams: forks liquidate at the collateral factor unless a separate
// threshold is reported.
func (a *Adapter) RiskParams(collateral *types.MarketSnapshot) (*big.Int, *big.Int) {
	ltv := bmath.Clone(collateral.CollateralFactor)
	if bmath.IsPositive(collateral.LiquidationThreshold) {
		return ltv, bmath.Clone(collateral.LiquidationThreshold)
	}
	return ltv, bmath.Clone(ltv)
}

func (a *Adapter) capPolicy() platform.CapPolicy {
	if a.family == DForce {
		return platform.CapZeroClosed
	}
	return platform.CapZeroUnlimited
}

func (a *Adapter) BorrowLimit(borrow *types.MarketSnapshot) *big.Int {
	return platform.BorrowHeadroom(borrow.Cash, borrow.TotalBorrows, borrow.BorrowCap, a.capPolicy())
}

// SupplyLimit: Hundred Finance has no supply caps.
func (a *Adapter) SupplyLimit(collateral *types.MarketSnapshot) *big.Int {
	if a.family == HundredFinance {
		return platform.SupplyHeadroom(collateral.TotalSupply, nil, platform.CapIgnored)
	}
	return platform.SupplyHeadroom(collateral.TotalSupply, collateral.SupplyCap, a.capPolicy())
}

// PredictRates evaluates the jump rate models after the position is added.
// Utilization is borrows / (cash + borrows - reserves).
func (a *Adapter) PredictRates(collateral, borrow *types.MarketSnapshot, supplyAmount, borrowAmount *big.Int) platform.Rates {
	rates := platform.CurrentRates(collateral, borrow)

	a.mu.RLock()
	borrowModel := a.markets[borrow.Asset.Address]
	supplyModel := a.markets[collateral.Asset.Address]
	a.mu.RUnlock()

	if borrowModel != nil {
		cash := bmath.SubFloor(borrow.Cash, borrowAmount)
		borrows := new(big.Int).Add(bmath.Clone(borrow.TotalBorrows), borrowAmount)
		u := platform.Utilization(cash, borrows, borrow.TotalReserves)
		rates.BorrowPerBlock = borrowModel.BorrowRate(u)
	}
	if supplyModel != nil {
		cash := new(big.Int).Add(bmath.Clone(collateral.Cash), supplyAmount)
		u := platform.Utilization(cash, collateral.TotalBorrows, collateral.TotalReserves)
		rates.SupplyPerBlock = platform.SupplyRate(supplyModel.BorrowRate(u), u, collateral.ReserveFactor)
	}
	return rates
}

func (a *Adapter) Rewards(collateral, borrow *types.MarketSnapshot, collateralInBorrow, borrowAmount *big.Int, blocks uint64) *big.Int {
	return platform.EmissionRewards(collateral, borrow, collateralInBorrow, borrowAmount, blocks)
}

var _ platform.Adapter = (*Adapter)(nil)
var _ platform.Protocol = (*Adapter)(nil)
