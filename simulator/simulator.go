// Package simulator is an in-memory lending protocol. It executes borrows and
// repays against a market.Static so that the manager can be driven end to end
// without a chain.
package simulator

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/borrowbot/health"
	"github.com/michaelpento.lv/borrowbot/market"
	"github.com/michaelpento.lv/borrowbot/platform"
	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

// account is the protocol-side state of one position.
type account struct {
	collateralAsset types.Asset
	borrowAsset     types.Asset
	collateral      *big.Int
	debt            *big.Int
	// block of the last interest accrual
	accruedAt uint64
}

// Simulator implements the protocol executor used by the manager.
type Simulator struct {
	mu        sync.Mutex
	market    *market.Static
	protocols map[types.Platform]platform.Protocol
	accounts  map[types.PositionKey]*account
	failNext  error
	debtGap   bool
	logger    *zap.Logger
}

// Option configures a Simulator
type Option func(*Simulator)

// WithProtocol applies the cap and risk rules of the protocol to its platform.
// Platforms without a protocol are limited by cash only.
func WithProtocol(p platform.Protocol) Option {
	return func(s *Simulator) { s.protocols[p.Platform()] = p }
}

// WithDebtGapRequired makes Status ask callers to overshoot full repays.
func WithDebtGapRequired(required bool) Option {
	return func(s *Simulator) { s.debtGap = required }
}

func NewSimulator(m *market.Static, logger *zap.Logger, opts ...Option) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Simulator{
		market:    m,
		protocols: make(map[types.Platform]platform.Protocol),
		accounts:  make(map[types.PositionKey]*account),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next executed call fail with err.
func (s *Simulator) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// AdvanceBlocks moves the market forward; debt accrues lazily on next access.
func (s *Simulator) AdvanceBlocks(n uint64) uint64 {
	return s.market.AdvanceBlocks(n)
}

func (s *Simulator) takeFailure() error {
	if s.failNext == nil {
		return nil
	}
	err := s.failNext
	s.failNext = nil
	return fmt.Errorf("%w: %v", types.ErrExecutionFailure, err)
}

func rejected(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", types.ErrExecutionFailure, fmt.Sprintf(format, args...))
}

// ExecuteBorrow supplies the planned collateral and borrows the planned amount.
func (s *Simulator) ExecuteBorrow(ctx context.Context, plan types.ConversionPlan, user common.Address) (types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return types.Receipt{}, fmt.Errorf("%w: %v", types.ErrExecutionFailure, err)
	}
	if err := s.takeFailure(); err != nil {
		return types.Receipt{}, err
	}
	if plan.IsEmpty() {
		return types.Receipt{}, rejected("empty plan")
	}
	key := types.PositionKey{
		Platform:        plan.Converter.Platform,
		User:            user,
		CollateralAsset: plan.CollateralAsset.Address,
		BorrowAsset:     plan.BorrowAsset.Address,
	}

	coll, borrow, err := s.snapshots(ctx, key.Platform, plan.CollateralAsset, plan.BorrowAsset)
	if err != nil {
		return types.Receipt{}, err
	}
	if coll.Frozen || coll.MintPaused {
		return types.Receipt{}, rejected("supply of %s disabled on %s", coll.Asset, key.Platform)
	}
	if borrow.Frozen || borrow.BorrowPaused {
		return types.Receipt{}, rejected("borrow of %s disabled on %s", borrow.Asset, key.Platform)
	}
	if limit := s.supplyLimit(coll); plan.CollateralAmount.Cmp(limit) > 0 {
		return types.Receipt{}, rejected("supply cap exceeded: %s > %s", plan.CollateralAmount, limit)
	}
	if limit := s.borrowLimit(borrow); plan.AmountToBorrow.Cmp(limit) > 0 {
		return types.Receipt{}, rejected("borrow limit exceeded: %s > %s", plan.AmountToBorrow, limit)
	}

	acc := s.account(key, coll.Asset, borrow.Asset, coll.BlockNumber)
	s.accrue(acc, borrow)

	collateral := new(big.Int).Add(acc.collateral, plan.CollateralAmount)
	debt := new(big.Int).Add(acc.debt, plan.AmountToBorrow)
	if !s.withinLTV(coll, borrow, collateral, debt) {
		return types.Receipt{}, rejected("borrow of %s exceeds collateral factor", plan.AmountToBorrow)
	}

	s.supply(coll, plan.CollateralAmount)
	s.lend(borrow, plan.AmountToBorrow)
	acc.collateral, acc.debt = collateral, debt
	s.accounts[key] = acc

	s.logger.Debug("Simulated borrow",
		zap.Stringer("key", key),
		zap.String("collateral", plan.CollateralAmount.String()),
		zap.String("borrowed", plan.AmountToBorrow.String()))
	return s.receipt(acc, coll, borrow, types.Receipt{
		CollateralAmount: plan.CollateralAmount,
		BorrowedAmount:   plan.AmountToBorrow,
	}), nil
}

// ExecuteRepay repays amount of the debt. Sending at least the debt closes the
// position, refunds the overshoot and returns all collateral; smaller amounts
// return collateral in proportion to the repaid share. A position without debt
// is closed by a zero amount.
func (s *Simulator) ExecuteRepay(ctx context.Context, pos types.Position, amount *big.Int) (types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, coll, borrow, err := s.prepare(ctx, pos)
	if err != nil {
		return types.Receipt{}, err
	}
	if amount == nil {
		amount = new(big.Int)
	}
	// a zero amount only closes a position without debt
	if amount.Sign() < 0 || (amount.Sign() == 0 && acc.debt.Sign() > 0) {
		return types.Receipt{}, rejected("repay amount must be positive")
	}

	out := types.Receipt{RepaidAmount: new(big.Int).Set(amount)}
	if amount.Cmp(acc.debt) >= 0 {
		out.DebtGapReturned = new(big.Int).Sub(amount, acc.debt)
		out.CollateralAmount = new(big.Int).Set(acc.collateral)
		s.repayMarket(borrow, acc.debt)
		acc.debt = new(big.Int)
		acc.collateral = new(big.Int)
	} else {
		returned := bmath.MulDiv(acc.collateral, amount, acc.debt)
		out.CollateralAmount = returned
		s.repayMarket(borrow, amount)
		acc.debt = new(big.Int).Sub(acc.debt, amount)
		acc.collateral = new(big.Int).Sub(acc.collateral, returned)
	}
	s.withdraw(coll, out.CollateralAmount)

	s.logger.Debug("Simulated repay",
		zap.Stringer("key", pos.Key),
		zap.String("repaid", amount.String()),
		zap.String("debt_after", acc.debt.String()))
	return s.receipt(acc, coll, borrow, out), nil
}

// ExecuteBorrowToRebalance borrows more against the existing collateral.
func (s *Simulator) ExecuteBorrowToRebalance(ctx context.Context, pos types.Position, amount *big.Int) (types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, coll, borrow, err := s.prepare(ctx, pos)
	if err != nil {
		return types.Receipt{}, err
	}
	if borrow.Frozen || borrow.BorrowPaused {
		return types.Receipt{}, rejected("borrow of %s disabled on %s", borrow.Asset, pos.Key.Platform)
	}
	if limit := s.borrowLimit(borrow); amount.Cmp(limit) > 0 {
		return types.Receipt{}, rejected("borrow limit exceeded: %s > %s", amount, limit)
	}
	debt := new(big.Int).Add(acc.debt, amount)
	if !s.withinLTV(coll, borrow, acc.collateral, debt) {
		return types.Receipt{}, rejected("borrow of %s exceeds collateral factor", amount)
	}
	s.lend(borrow, amount)
	acc.debt = debt
	return s.receipt(acc, coll, borrow, types.Receipt{BorrowedAmount: new(big.Int).Set(amount)}), nil
}

// ExecuteRepayToRebalance adds collateral when isCollateral is set, otherwise
// repays debt without withdrawing collateral.
func (s *Simulator) ExecuteRepayToRebalance(ctx context.Context, pos types.Position, amount *big.Int, isCollateral bool) (types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, coll, borrow, err := s.prepare(ctx, pos)
	if err != nil {
		return types.Receipt{}, err
	}
	if !bmath.IsPositive(amount) {
		return types.Receipt{}, rejected("rebalance amount must be positive")
	}
	if isCollateral {
		if coll.Frozen || coll.MintPaused {
			return types.Receipt{}, rejected("supply of %s disabled on %s", coll.Asset, pos.Key.Platform)
		}
		if limit := s.supplyLimit(coll); amount.Cmp(limit) > 0 {
			return types.Receipt{}, rejected("supply cap exceeded: %s > %s", amount, limit)
		}
		s.supply(coll, amount)
		acc.collateral = new(big.Int).Add(acc.collateral, amount)
		return s.receipt(acc, coll, borrow, types.Receipt{CollateralAmount: new(big.Int).Set(amount)}), nil
	}
	if amount.Cmp(acc.debt) > 0 {
		return types.Receipt{}, rejected("rebalance repay %s exceeds debt %s", amount, acc.debt)
	}
	s.repayMarket(borrow, amount)
	acc.debt = new(big.Int).Sub(acc.debt, amount)
	return s.receipt(acc, coll, borrow, types.Receipt{RepaidAmount: new(big.Int).Set(amount)}), nil
}

// Status reports the current protocol view of a position.
func (s *Simulator) Status(ctx context.Context, key types.PositionKey) (types.PositionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[key]
	if !ok {
		return types.PositionStatus{
			CollateralAmount: new(big.Int),
			AmountToPay:      new(big.Int),
			HealthFactor:     health.Infinite(),
			DebtGapRequired:  s.debtGap,
		}, nil
	}
	coll, borrow, err := s.snapshots(ctx, key.Platform, acc.collateralAsset, acc.borrowAsset)
	if err != nil {
		return types.PositionStatus{}, err
	}
	s.accrue(acc, borrow)
	return types.PositionStatus{
		CollateralAmount: new(big.Int).Set(acc.collateral),
		AmountToPay:      new(big.Int).Set(acc.debt),
		HealthFactor:     s.valuation(coll, borrow, acc.collateral, acc.debt).HealthFactor(),
		Opened:           acc.debt.Sign() > 0 || acc.collateral.Sign() > 0,
		DebtGapRequired:  s.debtGap,
	}, nil
}

func (s *Simulator) prepare(ctx context.Context, pos types.Position) (*account, *types.MarketSnapshot, *types.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", types.ErrExecutionFailure, err)
	}
	if err := s.takeFailure(); err != nil {
		return nil, nil, nil, err
	}
	acc, ok := s.accounts[pos.Key]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", types.ErrPositionNotFound, pos.Key)
	}
	coll, borrow, err := s.snapshots(ctx, pos.Key.Platform, acc.collateralAsset, acc.borrowAsset)
	if err != nil {
		return nil, nil, nil, err
	}
	s.accrue(acc, borrow)
	return acc, coll, borrow, nil
}

func (s *Simulator) snapshots(ctx context.Context, p types.Platform, collateral, borrow types.Asset) (*types.MarketSnapshot, *types.MarketSnapshot, error) {
	coll, err := s.market.Snapshot(ctx, p, collateral)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrExecutionFailure, err)
	}
	debt, err := s.market.Snapshot(ctx, p, borrow)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrExecutionFailure, err)
	}
	return coll, debt, nil
}

func (s *Simulator) account(key types.PositionKey, collateral, borrow types.Asset, block uint64) *account {
	if acc, ok := s.accounts[key]; ok {
		return acc
	}
	return &account{
		collateralAsset: collateral,
		borrowAsset:     borrow,
		collateral:      new(big.Int),
		debt:            new(big.Int),
		accruedAt:       block,
	}
}

// accrue compounds the borrow rate linearly over the blocks since the last accrual.
func (s *Simulator) accrue(acc *account, borrow *types.MarketSnapshot) {
	if borrow.BlockNumber <= acc.accruedAt {
		return
	}
	blocks := new(big.Int).SetUint64(borrow.BlockNumber - acc.accruedAt)
	acc.accruedAt = borrow.BlockNumber
	if acc.debt.Sign() == 0 {
		return
	}
	interest := bmath.WadMul(new(big.Int).Mul(acc.debt, blocks), borrow.BorrowRatePerBlock)
	acc.debt = new(big.Int).Add(acc.debt, interest)
	_ = s.market.Update(borrow.Platform, borrow.Asset.Address, func(m *types.MarketSnapshot) {
		m.TotalBorrows = new(big.Int).Add(m.TotalBorrows, interest)
	})
}

func (s *Simulator) riskParams(coll *types.MarketSnapshot) (ltv, lt *big.Int) {
	if p, ok := s.protocols[coll.Platform]; ok {
		return p.RiskParams(coll)
	}
	ltv = bmath.Clone(coll.CollateralFactor)
	if bmath.IsPositive(coll.LiquidationThreshold) {
		return ltv, bmath.Clone(coll.LiquidationThreshold)
	}
	return ltv, bmath.Clone(ltv)
}

func (s *Simulator) borrowLimit(borrow *types.MarketSnapshot) *big.Int {
	if p, ok := s.protocols[borrow.Platform]; ok {
		return p.BorrowLimit(borrow)
	}
	return bmath.Clone(borrow.Cash)
}

func (s *Simulator) supplyLimit(coll *types.MarketSnapshot) *big.Int {
	if p, ok := s.protocols[coll.Platform]; ok {
		return p.SupplyLimit(coll)
	}
	return bmath.MaxUint256()
}

func (s *Simulator) valuation(coll, borrow *types.MarketSnapshot, collateral, debt *big.Int) health.Valuation {
	_, lt := s.riskParams(coll)
	return health.Valuation{
		Collateral:           collateral,
		Debt:                 debt,
		PriceCollateral:      coll.PriceUSD,
		PriceBorrow:          borrow.PriceUSD,
		DecimalsCollateral:   coll.Asset.Decimals,
		DecimalsBorrow:       borrow.Asset.Decimals,
		LiquidationThreshold: lt,
	}
}

// withinLTV reports whether debt is covered by collateral valued at the collateral factor.
func (s *Simulator) withinLTV(coll, borrow *types.MarketSnapshot, collateral, debt *big.Int) bool {
	ltv, _ := s.riskParams(coll)
	collateralUSD := bmath.WadMul(bmath.ToUSD(collateral, coll.PriceUSD, coll.Asset.Decimals), ltv)
	debtUSD := bmath.ToUSD(debt, borrow.PriceUSD, borrow.Asset.Decimals)
	return debtUSD.Cmp(collateralUSD) <= 0
}

func (s *Simulator) supply(coll *types.MarketSnapshot, amount *big.Int) {
	_ = s.market.Update(coll.Platform, coll.Asset.Address, func(m *types.MarketSnapshot) {
		m.Cash = new(big.Int).Add(m.Cash, amount)
		m.TotalSupply = new(big.Int).Add(m.TotalSupply, amount)
	})
}

func (s *Simulator) withdraw(coll *types.MarketSnapshot, amount *big.Int) {
	_ = s.market.Update(coll.Platform, coll.Asset.Address, func(m *types.MarketSnapshot) {
		m.Cash = bmath.SubFloor(m.Cash, amount)
		m.TotalSupply = bmath.SubFloor(m.TotalSupply, amount)
	})
}

func (s *Simulator) lend(borrow *types.MarketSnapshot, amount *big.Int) {
	_ = s.market.Update(borrow.Platform, borrow.Asset.Address, func(m *types.MarketSnapshot) {
		m.Cash = bmath.SubFloor(m.Cash, amount)
		m.TotalBorrows = new(big.Int).Add(m.TotalBorrows, amount)
	})
}

func (s *Simulator) repayMarket(borrow *types.MarketSnapshot, amount *big.Int) {
	_ = s.market.Update(borrow.Platform, borrow.Asset.Address, func(m *types.MarketSnapshot) {
		m.Cash = new(big.Int).Add(m.Cash, amount)
		m.TotalBorrows = bmath.SubFloor(m.TotalBorrows, amount)
	})
}

func (s *Simulator) receipt(acc *account, coll, borrow *types.MarketSnapshot, r types.Receipt) types.Receipt {
	r.BlockNumber = borrow.BlockNumber
	r.CollateralAfter = new(big.Int).Set(acc.collateral)
	r.DebtAfter = new(big.Int).Set(acc.debt)
	r.HealthFactorAfter = s.valuation(coll, borrow, acc.collateral, acc.debt).HealthFactor()
	r.DebtGapRequired = s.debtGap
	return r.Normalize()
}
