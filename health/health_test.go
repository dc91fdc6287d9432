package health

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

func wad(num, den int64) *big.Int {
	return bmath.MulDiv(big.NewInt(num), bmath.Wad(), big.NewInt(den))
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), bmath.Pow10(18))
}

func valuation(collateral, debt *big.Int) Valuation {
	return Valuation{
		Collateral:           collateral,
		Debt:                 debt,
		PriceCollateral:      bmath.Wad(),
		PriceBorrow:          bmath.Wad(),
		DecimalsCollateral:   18,
		DecimalsBorrow:       18,
		LiquidationThreshold: wad(8, 10),
	}
}

var bounds = types.HealthFactorBounds{Min: 105, Target: 120, Max: 150}

func TestHealthFactor(t *testing.T) {
	hf := valuation(tokens(1000), tokens(500)).HealthFactor()
	assert.Equal(t, wad(16, 10).String(), hf.String())

	assert.True(t, bmath.IsMaxUint256(valuation(tokens(1000), nil).HealthFactor()))
	assert.True(t, bmath.IsMaxUint256(HealthFactor(tokens(1), big.NewInt(0), wad(8, 10))))
}

func TestDebtGapRoundTrip(t *testing.T) {
	values := []int64{0, 1, 2, 99, 100, 101, 12345, 1_000_000_007}
	for _, x := range values {
		in := big.NewInt(x)
		plus := PlusDebtGap(in, true)
		assert.True(t, plus.Cmp(in) >= 0)
		back := RemoveDebtGap(plus, true)
		diff := new(big.Int).Sub(back, in)
		assert.True(t, diff.CmpAbs(big.NewInt(1)) <= 0, "x=%d back=%s", x, back)
	}

	big18 := tokens(1234)
	assert.Equal(t, big18.String(), RemoveDebtGap(PlusDebtGap(big18, true), true).String())
	assert.Equal(t, "1246340000000000000000", PlusDebtGap(big18, true).String())
	assert.Equal(t, big18.String(), PlusDebtGap(big18, false).String())
}

func TestDeviation(t *testing.T) {
	assert.Equal(t, uint64(50_000), Deviation(wad(18, 10), wad(12, 10)))
	assert.Equal(t, uint64(12_500), Deviation(wad(105, 100), wad(12, 10)))
	assert.Equal(t, uint64(0), Deviation(wad(12, 10), wad(12, 10)))
}

func TestAmountsToRebalanceHealthy(t *testing.T) {
	// hf 1.2 exactly
	v := valuation(tokens(1200), tokens(800))
	action, err := AmountsToRebalance(v, nil, bounds, DefaultThresholds(), false)
	require.NoError(t, err)
	assert.True(t, action.IsNone())
	assert.Equal(t, RebalanceNone, action.Kind)
}

func TestAmountsToRebalanceRepay(t *testing.T) {
	// hf = 1000*0.8/800 = 1.0
	v := valuation(tokens(1000), tokens(800))
	action, err := AmountsToRebalance(v, nil, bounds, DefaultThresholds(), false)
	require.NoError(t, err)
	require.Equal(t, RebalanceRepay, action.Kind)

	// supported debt at 1.2 is 666.67, repay the rest
	assert.Equal(t, "133333333333333333334", action.Amount.String())

	after := valuation(tokens(1000), new(big.Int).Sub(tokens(800), action.Amount)).HealthFactor()
	assert.Zero(t, Deviation(after, bounds.TargetWad()), "after %s", after)
}

func TestAmountsToRebalanceAddCollateral(t *testing.T) {
	v := valuation(tokens(1000), tokens(800))
	action, err := AmountsToRebalance(v, nil, bounds, DefaultThresholds(), true)
	require.NoError(t, err)
	require.Equal(t, RebalanceAddCollateral, action.Kind)
	assert.Equal(t, tokens(200).String(), action.Amount.String())

	after := valuation(new(big.Int).Add(tokens(1000), action.Amount), tokens(800)).HealthFactor()
	assert.Equal(t, bounds.TargetWad().String(), after.String())
}

func TestAmountsToRebalanceTooHealthy(t *testing.T) {
	// hf = 1000*0.8/400 = 2.0, deviation 66.67% >= 50%
	v := valuation(tokens(1000), tokens(400))
	action, err := AmountsToRebalance(v, nil, bounds, DefaultThresholds(), false)
	require.NoError(t, err)
	require.Equal(t, RebalanceBorrow, action.Kind)
	assert.Equal(t, "266666666666666666666", action.Amount.String())

	// the collateral flag does not change the too healthy path
	action, err = AmountsToRebalance(v, nil, bounds, DefaultThresholds(), true)
	require.NoError(t, err)
	assert.Equal(t, RebalanceBorrow, action.Kind)
}

func TestAmountsToRebalanceBelowThreshold(t *testing.T) {
	// hf = 1000*0.8/500 = 1.6 > max 1.5 but deviation 33% < 50%
	v := valuation(tokens(1000), tokens(500))
	action, err := AmountsToRebalance(v, nil, bounds, DefaultThresholds(), false)
	require.NoError(t, err)
	assert.True(t, action.IsNone())

	// hf 1.0 below min, deviation 16.7% below a 20% threshold
	v = valuation(tokens(1000), tokens(800))
	action, err = AmountsToRebalance(v, nil, bounds, Thresholds{Unhealthy: 20_000, TooHealthy: 50_000}, false)
	require.NoError(t, err)
	assert.True(t, action.IsNone())
}

func TestAmountsToRebalanceNoUpperBound(t *testing.T) {
	v := valuation(tokens(1000), tokens(100))
	action, err := AmountsToRebalance(v, nil, types.HealthFactorBounds{Min: 105, Target: 120}, DefaultThresholds(), false)
	require.NoError(t, err)
	assert.True(t, action.IsNone())
}

func TestAmountsToRebalanceNoDebt(t *testing.T) {
	action, err := AmountsToRebalance(valuation(tokens(1000), nil), nil, bounds, DefaultThresholds(), false)
	require.NoError(t, err)
	assert.True(t, action.IsNone())
	assert.True(t, bmath.IsMaxUint256(action.Current))
}

func TestAmountsToRebalanceInvalidBounds(t *testing.T) {
	_, err := AmountsToRebalance(valuation(tokens(1), tokens(1)), nil, types.HealthFactorBounds{Min: 120, Target: 120, Max: 150}, DefaultThresholds(), false)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
