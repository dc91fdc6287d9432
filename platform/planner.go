package platform

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/borrowbot/governance"
	"github.com/michaelpento.lv/borrowbot/market"
	"github.com/michaelpento.lv/borrowbot/solver"
	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
	"github.com/michaelpento.lv/borrowbot/utils/metrics"
)

// Reasons attached to empty plans.
const (
	ReasonPairNotWhitelisted = "pair-not-whitelisted"
	ReasonUnsupportedAsset   = "unsupported-asset"
	ReasonMarketNotListed    = "market-not-listed"
	ReasonZeroPrice          = "zero-price"
	ReasonMintPaused         = "mint-paused"
	ReasonBorrowPaused       = "borrow-paused"
	ReasonFrozen             = "frozen"
	ReasonNotCollateral      = "not-collateral"
	ReasonHealthFactor       = "health-factor-not-above-threshold"
	ReasonInvalidEntryKind   = "invalid-entry-kind"
	ReasonInvalidProportion  = "invalid-proportion"
	ReasonInvalidParams      = "invalid-params"
	ReasonNoLiquidity        = "no-liquidity"
	ReasonAmountTooSmall     = "amount-too-small"
)

// Deps are the collaborators shared by every adapter.
type Deps struct {
	Source     market.DataSource
	Oracle     market.PriceOracle
	Governance governance.Source
	Logger     *zap.Logger
	Metrics    *metrics.PlannerMetrics
	// Converter is the platform entry contract reported in plans.
	Converter common.Address
}

// Planner runs the plan pipeline shared by all protocol families:
// preconditions, policy, market reads, sizing, limit clamping and cost
// prediction.
type Planner struct {
	protocol  Protocol
	converter common.Address
	source    market.DataSource
	oracle    market.PriceOracle
	gov       governance.Source
	logger    *zap.Logger
	metrics   *metrics.PlannerMetrics
}

func NewPlanner(protocol Protocol, deps Deps) (*Planner, error) {
	if protocol == nil {
		return nil, fmt.Errorf("protocol cannot be nil")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("market source cannot be nil")
	}
	if deps.Governance == nil {
		return nil, fmt.Errorf("governance cannot be nil")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewPlannerMetrics("borrowbot", nil)
	}
	return &Planner{
		protocol:  protocol,
		converter: deps.Converter,
		source:    deps.Source,
		oracle:    deps.Oracle,
		gov:       deps.Governance,
		logger:    deps.Logger.With(zap.String("platform", string(protocol.Platform()))),
		metrics:   deps.Metrics,
	}, nil
}

func (p *Planner) Platform() types.Platform {
	return p.protocol.Platform()
}

func (p *Planner) Converter() types.Converter {
	return types.Converter{Platform: p.protocol.Platform(), Address: p.converter}
}

// RiskParams forwards to the protocol
func (p *Planner) RiskParams(collateral *types.MarketSnapshot) (*big.Int, *big.Int) {
	return p.protocol.RiskParams(collateral)
}

func (p *Planner) String() string {
	return string(p.protocol.Platform())
}

// ValidateRequest checks the caller-side preconditions of a plan request.
func ValidateRequest(req types.PlanRequest) error {
	switch {
	case req.CollateralAsset.IsZero():
		return fmt.Errorf("%w: collateral asset is zero", types.ErrInvalidInput)
	case req.BorrowAsset.IsZero():
		return fmt.Errorf("%w: borrow asset is zero", types.ErrInvalidInput)
	case req.CollateralAsset.Equal(req.BorrowAsset):
		return fmt.Errorf("%w: collateral and borrow asset are the same", types.ErrInvalidInput)
	case !bmath.IsPositive(req.AmountIn):
		return fmt.Errorf("%w: amount must be positive", types.ErrInvalidInput)
	case req.CountBlocks == 0:
		return fmt.Errorf("%w: block horizon must be positive", types.ErrInvalidInput)
	}
	return nil
}

// Snapshots reads both markets and applies oracle prices.
func (p *Planner) Snapshots(ctx context.Context, collateral, borrow types.Asset) (*types.MarketSnapshot, *types.MarketSnapshot, error) {
	cs, err := p.snapshot(ctx, collateral)
	if err != nil {
		return nil, nil, err
	}
	bs, err := p.snapshot(ctx, borrow)
	if err != nil {
		return nil, nil, err
	}
	return cs, bs, nil
}

func (p *Planner) snapshot(ctx context.Context, asset types.Asset) (*types.MarketSnapshot, error) {
	snap, err := p.source.Snapshot(ctx, p.protocol.Platform(), asset)
	if err != nil {
		return nil, err
	}
	if snap.Asset.Decimals == 0 && asset.Decimals != 0 {
		snap.Asset = asset
	}
	if p.oracle != nil {
		price, err := p.oracle.Price(ctx, asset)
		if err != nil {
			return nil, err
		}
		snap.PriceUSD = price
	}
	return snap, nil
}

// ComputePlan computes the conversion plan for a request.
func (p *Planner) ComputePlan(ctx context.Context, req types.PlanRequest) (types.ConversionPlan, error) {
	start := time.Now()
	platform := string(p.protocol.Platform())
	p.metrics.Requests.WithLabelValues(platform).Inc()
	defer func() {
		p.metrics.Latency.WithLabelValues(platform).Observe(time.Since(start).Seconds())
	}()

	if err := ValidateRequest(req); err != nil {
		return types.ConversionPlan{}, err
	}

	policy := p.gov.Snapshot()
	hf2 := req.HealthFactor2
	if hf2 == 0 {
		hf2 = policy.Bounds.Target
	}
	if hf2 < policy.Bounds.Min {
		return types.ConversionPlan{}, fmt.Errorf("%w: health factor %d below minimum %d",
			types.ErrInvalidInput, hf2, policy.Bounds.Min)
	}

	if !policy.PairAllowed(req.Pair()) {
		return p.empty(ReasonPairNotWhitelisted), nil
	}
	if !p.protocol.Supports(req.CollateralAsset.Address) || !p.protocol.Supports(req.BorrowAsset.Address) {
		return p.empty(ReasonUnsupportedAsset), nil
	}

	cs, bs, err := p.Snapshots(ctx, req.CollateralAsset, req.BorrowAsset)
	if err != nil {
		if errors.Is(err, types.ErrMarketNotListed) {
			return p.empty(ReasonMarketNotListed), nil
		}
		return types.ConversionPlan{}, err
	}

	switch {
	case !bmath.IsPositive(cs.PriceUSD), !bmath.IsPositive(bs.PriceUSD):
		return p.empty(ReasonZeroPrice), nil
	case cs.Frozen, bs.Frozen:
		return p.empty(ReasonFrozen), nil
	case cs.MintPaused:
		return p.empty(ReasonMintPaused), nil
	case bs.BorrowPaused:
		return p.empty(ReasonBorrowPaused), nil
	}

	ltv, lt := p.protocol.RiskParams(cs)
	if !bmath.IsPositive(lt) {
		return p.empty(ReasonNotCollateral), nil
	}
	hf := types.HealthFactor2ToWad(hf2)
	if hf.Cmp(lt) <= 0 {
		return p.empty(ReasonHealthFactor), nil
	}

	params := solver.Params{
		PriceCollateral:      cs.PriceUSD,
		PriceBorrow:          bs.PriceUSD,
		DecimalsCollateral:   req.CollateralAsset.Decimals,
		DecimalsBorrow:       req.BorrowAsset.Decimals,
		LiquidationThreshold: lt,
		LTV:                  ltv,
		HealthFactor:         hf,
	}
	collateral, borrow, err := solver.Solve(req.EntryKind, req.AmountIn, params)
	if err != nil {
		reason, ok := solveRejection(err)
		if !ok {
			return types.ConversionPlan{}, err
		}
		p.logger.Debug("Solver rejected request",
			zap.Stringer("entry_kind", req.EntryKind.Tag),
			zap.String("reason", reason),
			zap.Error(err))
		return p.empty(reason), nil
	}

	maxBorrow := p.protocol.BorrowLimit(bs)
	maxSupply := p.protocol.SupplyLimit(cs)
	collateral, borrow, err = clamp(collateral, borrow, maxBorrow, maxSupply, params)
	if err != nil {
		return types.ConversionPlan{}, err
	}
	if maxBorrow.Sign() == 0 || maxSupply.Sign() == 0 {
		return p.empty(ReasonNoLiquidity), nil
	}
	if collateral.Sign() == 0 || borrow.Sign() == 0 {
		return p.empty(ReasonAmountTooSmall), nil
	}

	collateralInBorrow := bmath.ConvertAmount(collateral, cs.PriceUSD, req.CollateralAsset.Decimals, bs.PriceUSD, req.BorrowAsset.Decimals)
	rates := p.protocol.PredictRates(cs, bs, collateral, borrow)
	blocks := new(big.Int).SetUint64(req.CountBlocks)

	plan := types.ConversionPlan{
		Converter:                          p.Converter(),
		CollateralAsset:                    req.CollateralAsset,
		BorrowAsset:                        req.BorrowAsset,
		EntryKind:                          req.EntryKind,
		BlockNumber:                        bs.BlockNumber,
		CollateralAmount:                   collateral,
		AmountToBorrow:                     borrow,
		MaxAmountToBorrow:                  maxBorrow,
		MaxAmountToSupply:                  maxSupply,
		LTV:                                bmath.Clone(ltv),
		LiquidationThreshold:               bmath.Clone(lt),
		BorrowCostRate:                     bmath.Clone(rates.BorrowPerBlock),
		SupplyIncomeRate:                   bmath.Clone(rates.SupplyPerBlock),
		BorrowCost:                         bmath.WadMul(new(big.Int).Mul(borrow, blocks), bmath.Clone(rates.BorrowPerBlock)),
		SupplyIncomeInBorrowAsset:          bmath.WadMul(new(big.Int).Mul(collateralInBorrow, blocks), bmath.Clone(rates.SupplyPerBlock)),
		RewardsAmount:                      bmath.Clone(p.protocol.Rewards(cs, bs, collateralInBorrow, borrow, req.CountBlocks)),
		AmountCollateralInBorrowAssetUnits: collateralInBorrow,
	}

	p.logger.Debug("Plan computed",
		zap.Stringer("collateral_asset", req.CollateralAsset),
		zap.Stringer("borrow_asset", req.BorrowAsset),
		zap.Stringer("entry_kind", req.EntryKind.Tag),
		zap.String("collateral", collateral.String()),
		zap.String("borrow", borrow.String()),
		zap.String("max_borrow", maxBorrow.String()))
	return plan, nil
}

func (p *Planner) empty(reason string) types.ConversionPlan {
	p.metrics.EmptyPlans.WithLabelValues(string(p.protocol.Platform()), reason).Inc()
	p.logger.Debug("Empty plan", zap.String("reason", reason))
	return types.EmptyPlan(reason)
}

// clamp fits the legs under the borrow and supply limits, re-sizing the other
// leg so the target health factor still holds.
// solveRejection maps a solver error to the empty-plan reason it stands for.
func solveRejection(err error) (string, bool) {
	switch {
	case errors.Is(err, solver.ErrUnknownEntryKind):
		return ReasonInvalidEntryKind, true
	case errors.Is(err, solver.ErrInvalidProportion):
		return ReasonInvalidProportion, true
	case errors.Is(err, solver.ErrInvalidParams):
		return ReasonInvalidParams, true
	}
	return "", false
}

func clamp(collateral, borrow, maxBorrow, maxSupply *big.Int, params solver.Params) (*big.Int, *big.Int, error) {
	var err error
	if borrow.Cmp(maxBorrow) > 0 {
		borrow = bmath.Clone(maxBorrow)
		collateral, err = solver.MinCollateralForBorrow(borrow, params)
		if err != nil {
			return nil, nil, err
		}
	}
	if collateral.Cmp(maxSupply) > 0 {
		collateral = bmath.Clone(maxSupply)
		borrow, err = solver.MaxBorrowForCollateral(collateral, params)
		if err != nil {
			return nil, nil, err
		}
		borrow = bmath.Min(borrow, maxBorrow)
	}
	return collateral, borrow, nil
}
