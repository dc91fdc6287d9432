package compound

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/borrowbot/market"
	"github.com/michaelpento.lv/borrowbot/platform"
	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
	"github.com/michaelpento.lv/borrowbot/utils/testutils"
)

func jumpModel() *JumpRateModel {
	return &JumpRateModel{
		BaseRatePerBlock:       new(big.Int),
		MultiplierPerBlock:     testutils.Wad(2, 100_000_000),
		JumpMultiplierPerBlock: testutils.Wad(50, 100_000_000),
		Kink:                   testutils.Wad(80, 100),
	}
}

func newAdapter(t *testing.T, family Family, static *market.Static) *Adapter {
	adapter, err := NewAdapter(Config{
		Family: family,
		Markets: map[common.Address]*JumpRateModel{
			testutils.DAI.Address:  jumpModel(),
			testutils.USDC.Address: jumpModel(),
		},
	}, platform.Deps{
		Source:     static,
		Oracle:     static,
		Governance: testutils.Governance(t),
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return adapter
}

func request(amount *big.Int) types.PlanRequest {
	return types.PlanRequest{
		CollateralAsset: testutils.DAI,
		BorrowAsset:     testutils.USDC,
		AmountIn:        amount,
		EntryKind:       types.ExactCollateralForMaxBorrow(),
		CountBlocks:     1000,
	}
}

func TestFamilyPlatforms(t *testing.T) {
	for _, f := range []Family{Moonwell, HundredFinance, DForce} {
		got, err := FamilyFor(f.Platform())
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	_, err := FamilyFor(types.PlatformAaveV3)
	assert.Error(t, err)
}

func TestBorrowCapClamp(t *testing.T) {
	static := testutils.Static(types.PlatformMoonwell, testutils.DAI, testutils.USDC)
	require.NoError(t, static.Update(types.PlatformMoonwell, testutils.USDC.Address, func(s *types.MarketSnapshot) {
		s.BorrowCap = testutils.Tokens(100, 6)
		s.TotalBorrows = testutils.Tokens(90, 6)
		s.Cash = testutils.Tokens(50, 6)
	}))
	adapter := newAdapter(t, Moonwell, static)

	plan, err := adapter.ComputePlan(context.Background(), request(testutils.Tokens(1000, 18)))
	require.NoError(t, err)
	require.False(t, plan.IsEmpty(), plan.Rejection)
	assert.Equal(t, testutils.Tokens(10, 6).String(), plan.MaxAmountToBorrow.String())
	assert.Equal(t, testutils.Tokens(10, 6).String(), plan.AmountToBorrow.String())
}

func TestZeroCapsPerFamily(t *testing.T) {
	tests := []struct {
		family      Family
		wantEmpty   bool
		wantMaxSupp bool
	}{
		{Moonwell, false, true},
		{HundredFinance, false, true},
		{DForce, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.family.Platform()), func(t *testing.T) {
			static := testutils.Static(tt.family.Platform(), testutils.DAI, testutils.USDC)
			adapter := newAdapter(t, tt.family, static)
			plan, err := adapter.ComputePlan(context.Background(), request(testutils.Tokens(1000, 18)))
			require.NoError(t, err)
			assert.Equal(t, tt.wantEmpty, plan.IsEmpty())
			if tt.wantMaxSupp {
				assert.True(t, bmath.IsMaxUint256(plan.MaxAmountToSupply))
			}
		})
	}
}

func TestHundredIgnoresSupplyCap(t *testing.T) {
	static := testutils.Static(types.PlatformHundredFinance, testutils.DAI, testutils.USDC)
	require.NoError(t, static.Update(types.PlatformHundredFinance, testutils.DAI.Address, func(s *types.MarketSnapshot) {
		s.SupplyCap = big.NewInt(1)
	}))
	adapter := newAdapter(t, HundredFinance, static)
	plan, err := adapter.ComputePlan(context.Background(), request(testutils.Tokens(1000, 18)))
	require.NoError(t, err)
	assert.Equal(t, testutils.Tokens(1000, 18).String(), plan.CollateralAmount.String())
}

func TestDForceOpenWithCaps(t *testing.T) {
	static := testutils.Static(types.PlatformDForce, testutils.DAI, testutils.USDC)
	require.NoError(t, static.Update(types.PlatformDForce, testutils.USDC.Address, func(s *types.MarketSnapshot) {
		s.BorrowCap = testutils.Tokens(10_000, 6)
	}))
	require.NoError(t, static.Update(types.PlatformDForce, testutils.DAI.Address, func(s *types.MarketSnapshot) {
		s.SupplyCap = testutils.Tokens(2_000_000, 18)
	}))
	adapter := newAdapter(t, DForce, static)
	plan, err := adapter.ComputePlan(context.Background(), request(testutils.Tokens(1000, 18)))
	require.NoError(t, err)
	require.False(t, plan.IsEmpty(), plan.Rejection)
	assert.Equal(t, "666666666", plan.AmountToBorrow.String())
}

func TestCollateralFactorAsThreshold(t *testing.T) {
	static := testutils.Static(types.PlatformMoonwell, testutils.DAI, testutils.USDC)
	require.NoError(t, static.Update(types.PlatformMoonwell, testutils.DAI.Address, func(s *types.MarketSnapshot) {
		s.LiquidationThreshold = new(big.Int)
		s.CollateralFactor = testutils.Wad(60, 100)
	}))
	adapter := newAdapter(t, Moonwell, static)

	plan, err := adapter.ComputePlan(context.Background(), request(testutils.Tokens(1200, 18)))
	require.NoError(t, err)
	require.False(t, plan.IsEmpty())
	// 1200 * 0.6 / 1.2
	assert.Equal(t, testutils.Tokens(600, 6).String(), plan.AmountToBorrow.String())
	assert.Equal(t, testutils.Wad(60, 100).String(), plan.LiquidationThreshold.String())
}

func TestRewards(t *testing.T) {
	static := testutils.Static(types.PlatformMoonwell, testutils.DAI, testutils.USDC)
	require.NoError(t, static.Update(types.PlatformMoonwell, testutils.DAI.Address, func(s *types.MarketSnapshot) {
		s.SupplyRewardRatePerBlock = testutils.Wad(1, 1_000_000)
	}))
	adapter := newAdapter(t, Moonwell, static)

	plan, err := adapter.ComputePlan(context.Background(), request(testutils.Tokens(1000, 18)))
	require.NoError(t, err)
	// 1000 USDC * 1e-6 per block * 1000 blocks
	assert.Equal(t, testutils.Tokens(1, 6).String(), plan.RewardsAmount.String())
	assert.True(t, plan.NetCost().Cmp(plan.BorrowCost) < 0)
}

func TestJumpRateModel(t *testing.T) {
	m := jumpModel()
	// below kink: u * multiplier
	assert.Equal(t, testutils.Wad(1, 100_000_000).String(), m.BorrowRate(testutils.Wad(50, 100)).String())
	// above kink: kink * multiplier + excess * jump
	want := new(big.Int).Add(testutils.Wad(16, 1_000_000_000), testutils.Wad(10, 100_000_000))
	assert.Equal(t, want.String(), m.BorrowRate(testutils.Wad(100, 100)).String())
}

func TestPredictRatesUseReserves(t *testing.T) {
	static := testutils.Static(types.PlatformMoonwell, testutils.DAI, testutils.USDC)
	require.NoError(t, static.Update(types.PlatformMoonwell, testutils.USDC.Address, func(s *types.MarketSnapshot) {
		s.Cash = testutils.Tokens(600, 6)
		s.TotalBorrows = testutils.Tokens(300, 6)
		s.TotalReserves = testutils.Tokens(100, 6)
	}))
	adapter := newAdapter(t, Moonwell, static)
	cs, bs, err := adapter.Snapshots(context.Background(), testutils.DAI, testutils.USDC)
	require.NoError(t, err)

	// after borrowing 100: 400 / (500 + 400 - 100) = 50%
	rates := adapter.PredictRates(cs, bs, new(big.Int), testutils.Tokens(100, 6))
	assert.Equal(t, testutils.Wad(1, 100_000_000).String(), rates.BorrowPerBlock.String())
}
