package platform

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/borrowbot/market"
	"github.com/michaelpento.lv/borrowbot/solver"
	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
	"github.com/michaelpento.lv/borrowbot/utils/metrics"
	"github.com/michaelpento.lv/borrowbot/utils/testutils"
)

const stubPlatform types.Platform = "stub"

type stubProtocol struct {
	supported   map[common.Address]bool
	borrowLimit *big.Int
	supplyLimit *big.Int
}

func (s *stubProtocol) Platform() types.Platform          { return stubPlatform }
func (s *stubProtocol) Supports(asset common.Address) bool { return s.supported[asset] }

func (s *stubProtocol) RiskParams(c *types.MarketSnapshot) (*big.Int, *big.Int) {
	return bmath.Clone(c.CollateralFactor), bmath.Clone(c.LiquidationThreshold)
}

func (s *stubProtocol) BorrowLimit(b *types.MarketSnapshot) *big.Int {
	if s.borrowLimit != nil {
		return bmath.Clone(s.borrowLimit)
	}
	return bmath.Clone(b.Cash)
}

func (s *stubProtocol) SupplyLimit(c *types.MarketSnapshot) *big.Int {
	if s.supplyLimit != nil {
		return bmath.Clone(s.supplyLimit)
	}
	return bmath.MaxUint256()
}

func (s *stubProtocol) PredictRates(c, b *types.MarketSnapshot, _, _ *big.Int) Rates {
	return CurrentRates(c, b)
}

func (s *stubProtocol) Rewards(c, b *types.MarketSnapshot, cib, ba *big.Int, blocks uint64) *big.Int {
	return EmissionRewards(c, b, cib, ba, blocks)
}

type plannerFixture struct {
	planner  *Planner
	protocol *stubProtocol
	static   *market.Static
	metrics  *metrics.PlannerMetrics
}

func newPlannerFixture(t *testing.T) *plannerFixture {
	static := testutils.Static(stubPlatform, testutils.DAI, testutils.USDC, testutils.WETH)
	proto := &stubProtocol{supported: map[common.Address]bool{
		testutils.DAI.Address:  true,
		testutils.USDC.Address: true,
		testutils.WETH.Address: true,
	}}
	m := metrics.NewPlannerMetrics("test", nil)
	planner, err := NewPlanner(proto, Deps{
		Source:     static,
		Oracle:     static,
		Governance: testutils.Governance(t),
		Logger:     zaptest.NewLogger(t),
		Metrics:    m,
	})
	require.NoError(t, err)
	return &plannerFixture{planner: planner, protocol: proto, static: static, metrics: m}
}

func daiToUSDC(amount *big.Int, kind types.EntryKind) types.PlanRequest {
	return types.PlanRequest{
		CollateralAsset: testutils.DAI,
		BorrowAsset:     testutils.USDC,
		AmountIn:        amount,
		EntryKind:       kind,
		CountBlocks:     1_000_000,
	}
}

func TestNewPlannerValidation(t *testing.T) {
	_, err := NewPlanner(nil, Deps{})
	assert.Error(t, err)
	_, err = NewPlanner(&stubProtocol{}, Deps{Logger: zaptest.NewLogger(t)})
	assert.Error(t, err)
}

func TestComputePlanExactCollateral(t *testing.T) {
	f := newPlannerFixture(t)
	plan, err := f.planner.ComputePlan(context.Background(), daiToUSDC(testutils.Tokens(1000, 18), types.ExactCollateralForMaxBorrow()))
	require.NoError(t, err)
	require.False(t, plan.IsEmpty(), plan.Rejection)

	assert.Equal(t, stubPlatform, plan.Converter.Platform)
	assert.Equal(t, testutils.Tokens(1000, 18).String(), plan.CollateralAmount.String())
	// 1000 * 0.8 / 1.2 = 666.666666 USDC
	assert.Equal(t, "666666666", plan.AmountToBorrow.String())
	assert.Equal(t, testutils.Tokens(1000, 6).String(), plan.AmountCollateralInBorrowAssetUnits.String())
	assert.Equal(t, testutils.Wad(80, 100).String(), plan.LiquidationThreshold.String())
	assert.Equal(t, uint64(100), plan.BlockNumber)

	// 666.666666 USDC * 1e-8 per block * 1e6 blocks
	assert.Equal(t, "6666666", plan.BorrowCost.String())
	assert.True(t, plan.SupplyIncomeInBorrowAsset.Sign() > 0)
	assert.Equal(t, "0", plan.RewardsAmount.String())
}

func TestComputePlanExactBorrow(t *testing.T) {
	f := newPlannerFixture(t)
	plan, err := f.planner.ComputePlan(context.Background(), daiToUSDC(testutils.Tokens(200, 6), types.ExactBorrowForMinCollateral()))
	require.NoError(t, err)
	require.False(t, plan.IsEmpty())
	assert.Equal(t, testutils.Tokens(300, 18).String(), plan.CollateralAmount.String())
	assert.Equal(t, testutils.Tokens(200, 6).String(), plan.AmountToBorrow.String())
}

func TestComputePlanProportion(t *testing.T) {
	f := newPlannerFixture(t)
	amount := testutils.Tokens(1000, 18)
	plan, err := f.planner.ComputePlan(context.Background(), daiToUSDC(amount, types.ExactProportion(1, 1)))
	require.NoError(t, err)
	require.False(t, plan.IsEmpty())
	assert.True(t, plan.CollateralAmount.Cmp(amount) < 0)

	kept := new(big.Int).Sub(amount, plan.CollateralAmount)
	keptUSDC := bmath.ConvertAmount(kept, bmath.Wad(), 18, bmath.Wad(), 6)
	diff := new(big.Int).Sub(keptUSDC, plan.AmountToBorrow)
	assert.True(t, diff.CmpAbs(big.NewInt(2)) <= 0, "kept %s borrowed %s", keptUSDC, plan.AmountToBorrow)

	plan, err = f.planner.ComputePlan(context.Background(), daiToUSDC(amount, types.ExactProportion(1, 0)))
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
	assert.Equal(t, ReasonInvalidProportion, plan.Rejection)
}

func TestComputePlanSolverRejections(t *testing.T) {
	f := newPlannerFixture(t)
	amount := testutils.Tokens(1000, 18)

	plan, err := f.planner.ComputePlan(context.Background(), daiToUSDC(amount, types.EntryKind{Tag: 7}))
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidEntryKind, plan.Rejection)

	plan, err = f.planner.ComputePlan(context.Background(), daiToUSDC(amount, types.ExactProportion(0, 3)))
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidProportion, plan.Rejection)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EmptyPlans.WithLabelValues(string(stubPlatform), ReasonInvalidProportion)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EmptyPlans.WithLabelValues(string(stubPlatform), ReasonInvalidEntryKind)))

	tests := []struct {
		err    error
		reason string
	}{
		{fmt.Errorf("%w: 7", solver.ErrUnknownEntryKind), ReasonInvalidEntryKind},
		{solver.ErrInvalidProportion, ReasonInvalidProportion},
		{fmt.Errorf("%w: prices must be positive", solver.ErrInvalidParams), ReasonInvalidParams},
	}
	for _, tt := range tests {
		reason, ok := solveRejection(tt.err)
		assert.True(t, ok)
		assert.Equal(t, tt.reason, reason, tt.err.Error())
	}

	_, ok := solveRejection(errors.New("overflow"))
	assert.False(t, ok)
}

func TestComputePlanClampsBorrow(t *testing.T) {
	f := newPlannerFixture(t)
	f.protocol.borrowLimit = testutils.Tokens(10, 6)

	plan, err := f.planner.ComputePlan(context.Background(), daiToUSDC(testutils.Tokens(1000, 18), types.ExactCollateralForMaxBorrow()))
	require.NoError(t, err)
	require.False(t, plan.IsEmpty())
	assert.Equal(t, testutils.Tokens(10, 6).String(), plan.AmountToBorrow.String())
	assert.Equal(t, testutils.Tokens(10, 6).String(), plan.MaxAmountToBorrow.String())
	assert.Equal(t, testutils.Tokens(15, 18).String(), plan.CollateralAmount.String())
}

func TestComputePlanClampsSupply(t *testing.T) {
	f := newPlannerFixture(t)
	f.protocol.supplyLimit = testutils.Tokens(300, 18)

	plan, err := f.planner.ComputePlan(context.Background(), daiToUSDC(testutils.Tokens(1000, 18), types.ExactCollateralForMaxBorrow()))
	require.NoError(t, err)
	require.False(t, plan.IsEmpty())
	assert.Equal(t, testutils.Tokens(300, 18).String(), plan.CollateralAmount.String())
	assert.Equal(t, testutils.Tokens(200, 6).String(), plan.AmountToBorrow.String())
}

func TestComputePlanNoLiquidity(t *testing.T) {
	f := newPlannerFixture(t)
	f.protocol.borrowLimit = big.NewInt(0)

	plan, err := f.planner.ComputePlan(context.Background(), daiToUSDC(testutils.Tokens(1000, 18), types.ExactCollateralForMaxBorrow()))
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty())
	assert.Equal(t, ReasonNoLiquidity, plan.Rejection)
}

func TestComputePlanEmptyReasons(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *plannerFixture)
		reason string
	}{
		{"frozen collateral", func(f *plannerFixture) {
			_ = f.static.Update(stubPlatform, testutils.DAI.Address, func(s *types.MarketSnapshot) { s.Frozen = true })
		}, ReasonFrozen},
		{"frozen borrow", func(f *plannerFixture) {
			_ = f.static.Update(stubPlatform, testutils.USDC.Address, func(s *types.MarketSnapshot) { s.Frozen = true })
		}, ReasonFrozen},
		{"mint paused", func(f *plannerFixture) {
			_ = f.static.Update(stubPlatform, testutils.DAI.Address, func(s *types.MarketSnapshot) { s.MintPaused = true })
		}, ReasonMintPaused},
		{"borrow paused", func(f *plannerFixture) {
			_ = f.static.Update(stubPlatform, testutils.USDC.Address, func(s *types.MarketSnapshot) { s.BorrowPaused = true })
		}, ReasonBorrowPaused},
		{"zero price", func(f *plannerFixture) {
			f.static.SetPrice(testutils.USDC, big.NewInt(0))
		}, ReasonZeroPrice},
		{"unsupported asset", func(f *plannerFixture) {
			delete(f.protocol.supported, testutils.USDC.Address)
		}, ReasonUnsupportedAsset},
		{"not collateral", func(f *plannerFixture) {
			_ = f.static.Update(stubPlatform, testutils.DAI.Address, func(s *types.MarketSnapshot) { s.LiquidationThreshold = big.NewInt(0) })
		}, ReasonNotCollateral},
		{"threshold above target health factor", func(f *plannerFixture) {
			_ = f.static.Update(stubPlatform, testutils.DAI.Address, func(s *types.MarketSnapshot) { s.LiquidationThreshold = testutils.Wad(12, 10) })
		}, ReasonHealthFactor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPlannerFixture(t)
			tt.setup(f)
			plan, err := f.planner.ComputePlan(context.Background(), daiToUSDC(testutils.Tokens(1000, 18), types.ExactCollateralForMaxBorrow()))
			require.NoError(t, err)
			assert.True(t, plan.IsEmpty())
			assert.Equal(t, tt.reason, plan.Rejection)
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EmptyPlans.WithLabelValues(string(stubPlatform), tt.reason)))
			assert.Equal(t, "0", plan.AmountToBorrow.String())
		})
	}
}

func TestComputePlanMarketNotListed(t *testing.T) {
	f := newPlannerFixture(t)
	other := types.Asset{Address: common.HexToAddress("0x0000000000000000000000000000000000000042"), Symbol: "X", Decimals: 18}
	f.protocol.supported[other.Address] = true

	req := daiToUSDC(testutils.Tokens(1, 18), types.ExactCollateralForMaxBorrow())
	req.BorrowAsset = other
	plan, err := f.planner.ComputePlan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ReasonMarketNotListed, plan.Rejection)
}

func TestComputePlanWhitelist(t *testing.T) {
	static := testutils.Static(stubPlatform, testutils.DAI, testutils.USDC)
	gov := testutils.Governance(t)
	gov.SetWhitelist([]types.AssetPair{{Collateral: testutils.USDC.Address, Borrow: testutils.DAI.Address}})

	planner, err := NewPlanner(&stubProtocol{supported: map[common.Address]bool{
		testutils.DAI.Address: true, testutils.USDC.Address: true,
	}}, Deps{Source: static, Governance: gov, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	plan, err := planner.ComputePlan(context.Background(), daiToUSDC(testutils.Tokens(1, 18), types.ExactCollateralForMaxBorrow()))
	require.NoError(t, err)
	assert.Equal(t, ReasonPairNotWhitelisted, plan.Rejection)
}

func TestComputePlanInvalidInput(t *testing.T) {
	f := newPlannerFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *types.PlanRequest)
	}{
		{"zero amount", func(r *types.PlanRequest) { r.AmountIn = big.NewInt(0) }},
		{"nil amount", func(r *types.PlanRequest) { r.AmountIn = nil }},
		{"zero blocks", func(r *types.PlanRequest) { r.CountBlocks = 0 }},
		{"zero collateral asset", func(r *types.PlanRequest) { r.CollateralAsset = types.Asset{} }},
		{"zero borrow asset", func(r *types.PlanRequest) { r.BorrowAsset = types.Asset{} }},
		{"same asset", func(r *types.PlanRequest) { r.BorrowAsset = r.CollateralAsset }},
		{"health factor below min", func(r *types.PlanRequest) { r.HealthFactor2 = 104 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := daiToUSDC(testutils.Tokens(1000, 18), types.ExactCollateralForMaxBorrow())
			tt.mutate(&req)
			_, err := f.planner.ComputePlan(ctx, req)
			assert.ErrorIs(t, err, types.ErrInvalidInput)
		})
	}
}

func TestComputePlanCustomHealthFactor(t *testing.T) {
	f := newPlannerFixture(t)
	req := daiToUSDC(testutils.Tokens(1000, 18), types.ExactCollateralForMaxBorrow())
	req.HealthFactor2 = 200
	plan, err := f.planner.ComputePlan(context.Background(), req)
	require.NoError(t, err)
	// ltv 0.75 is looser than 0.8/2.0
	assert.Equal(t, testutils.Tokens(400, 6).String(), plan.AmountToBorrow.String())
}

func TestComputePlanContextCancelled(t *testing.T) {
	f := newPlannerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.planner.ComputePlan(ctx, daiToUSDC(testutils.Tokens(1, 18), types.ExactCollateralForMaxBorrow()))
	assert.ErrorIs(t, err, types.ErrSourceUnavailable)
}
