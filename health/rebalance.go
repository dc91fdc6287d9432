package health

import (
	"fmt"
	"math/big"

	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

// ThresholdDenominator scales rebalance thresholds (50_000 = 50%).
const ThresholdDenominator = 100_000

// Thresholds are the minimum relative deviations from the target health
// factor, scaled by ThresholdDenominator, below which no rebalance happens.
type Thresholds struct {
	Unhealthy  uint64
	TooHealthy uint64
}

// DefaultThresholds rebalances any unhealthy position and positions that are
// at least 50% healthier than the target.
func DefaultThresholds() Thresholds {
	return Thresholds{Unhealthy: 0, TooHealthy: 50_000}
}

// RebalanceKind tells which correction a position needs.
type RebalanceKind uint8

const (
	RebalanceNone RebalanceKind = iota
	// RebalanceRepay repays part of the debt in the borrow asset.
	RebalanceRepay
	// RebalanceAddCollateral supplies more of the collateral asset.
	RebalanceAddCollateral
	// RebalanceBorrow borrows more against the existing collateral.
	RebalanceBorrow
)

func (k RebalanceKind) String() string {
	switch k {
	case RebalanceNone:
		return "none"
	case RebalanceRepay:
		return "repay"
	case RebalanceAddCollateral:
		return "add-collateral"
	case RebalanceBorrow:
		return "borrow"
	default:
		return "unknown"
	}
}

// RebalanceAction is the correction for one position.
type RebalanceAction struct {
	Kind   RebalanceKind
	Amount *big.Int
	// Current and Target health factors, scaled by 1e18.
	Current *big.Int
	Target  *big.Int
}

// IsNone reports whether nothing needs to be done
func (a RebalanceAction) IsNone() bool {
	return a.Kind == RebalanceNone || bmath.IsZero(a.Amount)
}

func none(current, target *big.Int) RebalanceAction {
	return RebalanceAction{Kind: RebalanceNone, Amount: new(big.Int), Current: current, Target: target}
}

// Deviation returns |current - target| / target scaled by ThresholdDenominator.
func Deviation(current, target *big.Int) uint64 {
	if bmath.IsZero(target) {
		return 0
	}
	diff := new(big.Int).Sub(current, target)
	diff.Abs(diff)
	dev := bmath.MulDiv(diff, big.NewInt(ThresholdDenominator), target)
	if !dev.IsUint64() {
		return ^uint64(0)
	}
	return dev.Uint64()
}

// AmountsToRebalance returns the action bringing the position back to the
// target health factor. The position is corrected only when its health factor
// is outside [min, max] and the deviation from target reaches the threshold of
// that side. An unhealthy position is corrected by repaying debt, or by adding
// collateral when useCollateral is set; a too healthy one by borrowing more.
func AmountsToRebalance(v Valuation, current *big.Int, bounds types.HealthFactorBounds, th Thresholds, useCollateral bool) (RebalanceAction, error) {
	if err := bounds.Validate(); err != nil {
		return RebalanceAction{}, err
	}
	if !bmath.IsPositive(v.PriceCollateral) || !bmath.IsPositive(v.PriceBorrow) || !bmath.IsPositive(v.LiquidationThreshold) {
		return RebalanceAction{}, fmt.Errorf("%w: prices and liquidation threshold must be positive", types.ErrInvalidInput)
	}

	target := bounds.TargetWad()
	if current == nil {
		current = v.HealthFactor()
	}
	if bmath.IsZero(v.Debt) || bmath.IsMaxUint256(current) {
		return none(current, target), nil
	}

	maxHF := bounds.MaxWad()
	switch {
	case current.Cmp(bounds.MinWad()) < 0:
		if Deviation(current, target) < th.Unhealthy {
			return none(current, target), nil
		}
		if useCollateral {
			amount := bmath.SubFloor(collateralForTarget(v, target), v.Collateral)
			return RebalanceAction{Kind: RebalanceAddCollateral, Amount: amount, Current: current, Target: target}, nil
		}
		amount := bmath.SubFloor(v.Debt, debtForTarget(v, target))
		return RebalanceAction{Kind: RebalanceRepay, Amount: amount, Current: current, Target: target}, nil

	case maxHF != nil && current.Cmp(maxHF) > 0:
		if Deviation(current, target) < th.TooHealthy {
			return none(current, target), nil
		}
		amount := bmath.SubFloor(debtForTarget(v, target), v.Debt)
		return RebalanceAction{Kind: RebalanceBorrow, Amount: amount, Current: current, Target: target}, nil
	}
	return none(current, target), nil
}

// debtForTarget is the debt the collateral supports at the target health
// factor: C_inBorrow * lt / target. Rounds down.
func debtForTarget(v Valuation, target *big.Int) *big.Int {
	n := new(big.Int).Mul(bmath.Clone(v.Collateral), v.PriceCollateral)
	n.Mul(n, v.LiquidationThreshold)
	n.Mul(n, bmath.Pow10(v.DecimalsBorrow))
	d := new(big.Int).Mul(v.PriceBorrow, target)
	d.Mul(d, bmath.Pow10(v.DecimalsCollateral))
	return n.Quo(n, d)
}

// collateralForTarget is the collateral that backs the debt at the target
// health factor: D_inCollateral * target / lt. Rounds up.
func collateralForTarget(v Valuation, target *big.Int) *big.Int {
	n := new(big.Int).Mul(bmath.Clone(v.Debt), v.PriceBorrow)
	n.Mul(n, target)
	n.Mul(n, bmath.Pow10(v.DecimalsCollateral))
	d := new(big.Int).Mul(v.PriceCollateral, v.LiquidationThreshold)
	d.Mul(d, bmath.Pow10(v.DecimalsBorrow))
	return bmath.DivUp(n, d)
}
