// Package manager opens, repays and rebalances positions across the
// registered platform adapters and records every change in the ledger.
package manager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/borrowbot/governance"
	"github.com/michaelpento.lv/borrowbot/health"
	"github.com/michaelpento.lv/borrowbot/ledger"
	"github.com/michaelpento.lv/borrowbot/platform"
	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
	"github.com/michaelpento.lv/borrowbot/utils/metrics"
)

// ErrNoPlan is returned by Borrow when no adapter can service the request.
var ErrNoPlan = errors.New("no conversion plan available")

const (
	opBorrow    = "borrow"
	opRepay     = "repay"
	opRebalance = "rebalance"
)

// Manager coordinates positions across platform adapters. Operations on one
// position key are serialized; different keys proceed concurrently.
type Manager struct {
	mu        sync.RWMutex
	adapters  map[types.AssetPair][]platform.Adapter
	positions map[types.PositionKey]*types.Position

	locksMu sync.Mutex
	locks   map[types.PositionKey]*sync.Mutex

	executor ProtocolExecutor
	ledger   *ledger.Ledger
	gov      governance.Source
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.ManagerMetrics
}

// Deps are the collaborators of a Manager
type Deps struct {
	Executor   ProtocolExecutor
	Ledger     *ledger.Ledger
	Governance governance.Source
	Logger     *zap.Logger
	Metrics    *metrics.ManagerMetrics
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Executor == nil {
		return nil, fmt.Errorf("protocol executor cannot be nil")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if deps.Governance == nil {
		return nil, fmt.Errorf("governance cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewManagerMetrics("borrowbot", nil)
	}
	if cfg.Policy == "" {
		cfg.Policy = FirstNonEmpty
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	return &Manager{
		adapters:  make(map[types.AssetPair][]platform.Adapter),
		positions: make(map[types.PositionKey]*types.Position),
		locks:     make(map[types.PositionKey]*sync.Mutex),
		executor:  deps.Executor,
		ledger:    deps.Ledger,
		gov:       deps.Governance,
		cfg:       cfg,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}, nil
}

// RegisterAdapter makes the adapter a candidate for the pair. A platform can
// be registered once per pair.
func (m *Manager) RegisterAdapter(pair types.AssetPair, adapter platform.Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.adapters[pair] {
		if existing.Platform() == adapter.Platform() {
			return fmt.Errorf("platform %s already registered for %s", adapter.Platform(), pair)
		}
	}
	m.adapters[pair] = append(m.adapters[pair], adapter)
	m.logger.Info("Adapter registered",
		zap.Stringer("pair", pair),
		zap.Stringer("adapter", adapter))
	return nil
}

// Adapters returns the adapters registered for the pair in registration order.
func (m *Manager) Adapters(pair types.AssetPair) []platform.Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]platform.Adapter, len(m.adapters[pair]))
	copy(out, m.adapters[pair])
	return out
}

func (m *Manager) adapterFor(pair types.AssetPair, p types.Platform) (platform.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.adapters[pair] {
		if a.Platform() == p {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s for %s", types.ErrNoAdapter, p, pair)
}

// FindPlan asks every adapter of the pair for a plan and picks one by policy.
// An empty plan with a nil error means no adapter can service the request.
func (m *Manager) FindPlan(ctx context.Context, req types.PlanRequest) (types.ConversionPlan, error) {
	if err := platform.ValidateRequest(req); err != nil {
		return types.ConversionPlan{}, err
	}
	adapters := m.Adapters(req.Pair())
	if len(adapters) == 0 {
		return types.ConversionPlan{}, fmt.Errorf("%w: %s", types.ErrNoAdapter, req.Pair())
	}

	var (
		best    types.ConversionPlan
		found   bool
		lastErr error
		reason  string
	)
	for _, adapter := range adapters {
		plan, err := m.quote(ctx, adapter, req)
		if err != nil {
			if errors.Is(err, types.ErrInvalidInput) {
				return types.ConversionPlan{}, err
			}
			m.logger.Warn("Adapter failed to compute plan",
				zap.Stringer("adapter", adapter),
				zap.Error(err))
			lastErr = err
			continue
		}
		if plan.IsEmpty() {
			reason = plan.Rejection
			continue
		}
		if m.cfg.Policy == FirstNonEmpty {
			return plan, nil
		}
		if !found || plan.NetCost().Cmp(best.NetCost()) < 0 {
			best, found = plan, true
		}
	}
	if found {
		m.logger.Debug("Plan selected",
			zap.String("platform", string(best.Converter.Platform)),
			zap.String("net_cost", best.NetCost().String()))
		return best, nil
	}
	if lastErr != nil && reason == "" {
		return types.ConversionPlan{}, lastErr
	}
	return types.EmptyPlan(reason), nil
}

func (m *Manager) quote(ctx context.Context, adapter platform.Adapter, req types.PlanRequest) (types.ConversionPlan, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return adapter.ComputePlan(callCtx, req)
}

// Borrow finds a plan and executes it for the user.
func (m *Manager) Borrow(ctx context.Context, user common.Address, req types.PlanRequest) (types.Position, error) {
	plan, err := m.FindPlan(ctx, req)
	if err != nil {
		return types.Position{}, err
	}
	if plan.IsEmpty() {
		return types.Position{}, fmt.Errorf("%w: %s", ErrNoPlan, plan.Rejection)
	}
	return m.BorrowWithPlan(ctx, user, req, plan)
}

// BorrowWithPlan re-quotes the request on the plan's platform and executes the
// accepted plan when the fresh quote still supports it. A position that fails
// to execute keeps its previous state.
func (m *Manager) BorrowWithPlan(ctx context.Context, user common.Address, req types.PlanRequest, plan types.ConversionPlan) (types.Position, error) {
	if plan.IsEmpty() {
		return types.Position{}, fmt.Errorf("%w: empty plan", types.ErrInvalidInput)
	}
	if user == (common.Address{}) {
		return types.Position{}, fmt.Errorf("%w: user is zero", types.ErrInvalidInput)
	}
	adapter, err := m.adapterFor(req.Pair(), plan.Converter.Platform)
	if err != nil {
		return types.Position{}, err
	}
	key := types.PositionKey{
		Platform:        plan.Converter.Platform,
		User:            user,
		CollateralAsset: plan.CollateralAsset.Address,
		BorrowAsset:     plan.BorrowAsset.Address,
	}

	unlock := m.lock(key)
	defer unlock()
	m.metrics.Attempts.WithLabelValues(opBorrow).Inc()

	prev, existed := m.position(key)
	if existed && prev.Opened {
		if err := m.reconcile(ctx, key); err != nil {
			return types.Position{}, m.fail(opBorrow, err)
		}
	}

	if err := m.revalidate(ctx, adapter, req, plan); err != nil {
		return types.Position{}, m.fail(opBorrow, err)
	}

	pending := prev
	if !existed || !prev.Opened {
		pending = types.Position{
			Key:             key,
			CollateralAsset: plan.CollateralAsset,
			BorrowAsset:     plan.BorrowAsset,
			Converter:       plan.Converter,
			State:           types.PositionOpening,
		}
	}
	m.store(pending)

	receipt, err := m.execute(ctx, func(callCtx context.Context) (types.Receipt, error) {
		return m.executor.ExecuteBorrow(callCtx, plan, user)
	})
	if err != nil {
		m.restore(key, prev, existed)
		return types.Position{}, m.fail(opBorrow, err)
	}

	pos := pending
	wasOpen := pos.Opened
	pos.CollateralAmount = receipt.CollateralAfter
	pos.AmountToPay = receipt.DebtAfter
	pos.HealthFactor = receipt.HealthFactorAfter
	pos.DebtGapRequired = receipt.DebtGapRequired
	pos.Opened = true
	pos.State = types.PositionOpen
	m.store(pos)
	if !wasOpen {
		m.metrics.OpenPositions.Inc()
	}
	m.checkBounds(pos)

	if _, err := m.ledger.Borrow(ctx, key, receipt.CollateralAmount, receipt.BorrowedAmount, receipt.BlockNumber); err != nil {
		return pos.Clone(), m.fail(opBorrow, err)
	}
	m.succeed(opBorrow)
	m.logger.Info("Position borrowed",
		zap.Stringer("key", key),
		zap.String("collateral", receipt.CollateralAmount.String()),
		zap.String("borrowed", receipt.BorrowedAmount.String()),
		zap.String("health_factor", bmath.FormatWad(pos.HealthFactor, 4)))
	return pos.Clone(), nil
}

// revalidate compares the accepted plan with a fresh quote.
func (m *Manager) revalidate(ctx context.Context, adapter platform.Adapter, req types.PlanRequest, plan types.ConversionPlan) error {
	fresh, err := m.quote(ctx, adapter, req)
	if err != nil {
		return err
	}
	stale := func(format string, args ...interface{}) error {
		m.metrics.StaleQuotes.Inc()
		reason := fmt.Sprintf(format, args...)
		m.logger.Warn("Plan is stale",
			zap.Stringer("adapter", adapter),
			zap.String("reason", reason))
		return fmt.Errorf("%w: %s", types.ErrStaleQuote, reason)
	}
	tol := m.cfg.RevalidationToleranceBps
	switch {
	case fresh.IsEmpty():
		return stale("platform no longer quotes the pair: %s", fresh.Rejection)
	case fresh.MaxAmountToBorrow.Cmp(plan.AmountToBorrow) < 0:
		return stale("borrow limit dropped to %s below planned %s", fresh.MaxAmountToBorrow, plan.AmountToBorrow)
	case fresh.MaxAmountToSupply.Cmp(plan.CollateralAmount) < 0:
		return stale("supply limit dropped to %s below planned %s", fresh.MaxAmountToSupply, plan.CollateralAmount)
	case fresh.AmountToBorrow.Cmp(bmath.SubFloor(plan.AmountToBorrow, bmath.Bps(plan.AmountToBorrow, tol))) < 0:
		return stale("borrow amount fell to %s from %s", fresh.AmountToBorrow, plan.AmountToBorrow)
	case fresh.CollateralAmount.Cmp(new(big.Int).Add(plan.CollateralAmount, bmath.Bps(plan.CollateralAmount, tol))) > 0:
		return stale("required collateral rose to %s from %s", fresh.CollateralAmount, plan.CollateralAmount)
	}
	return nil
}

// Repay repays amount of the position debt. With closePosition the amount is
// ignored and the full debt plus the debt gap is sent. Closing an already
// closed position is a no-op.
func (m *Manager) Repay(ctx context.Context, key types.PositionKey, amount *big.Int, closePosition bool) (types.Receipt, error) {
	unlock := m.lock(key)
	defer unlock()

	pos, ok := m.position(key)
	if !ok {
		return types.Receipt{}, fmt.Errorf("%w: %s", types.ErrPositionNotFound, key)
	}
	if !pos.Opened {
		if closePosition {
			return types.Receipt{}.Normalize(), nil
		}
		return types.Receipt{}, fmt.Errorf("%w: position %s is closed", types.ErrInvalidInput, key)
	}
	if !closePosition && !bmath.IsPositive(amount) {
		return types.Receipt{}, fmt.Errorf("%w: repay amount must be positive", types.ErrInvalidInput)
	}
	return m.repay(ctx, pos, amount, closePosition)
}

// repay runs a repay on an open position. The caller holds the key lock. A
// close with no debt left withdraws the remaining collateral.
func (m *Manager) repay(ctx context.Context, pos types.Position, amount *big.Int, closePosition bool) (types.Receipt, error) {
	key := pos.Key
	m.metrics.Attempts.WithLabelValues(opRepay).Inc()

	status, err := m.status(ctx, key)
	if err != nil {
		return types.Receipt{}, m.fail(opRepay, err)
	}
	if err := m.ledger.Reconcile(key, status.CollateralAmount, status.AmountToPay, m.cfg.ReconcileToleranceBps); err != nil {
		return types.Receipt{}, m.fail(opRepay, err)
	}
	if closePosition {
		amount = health.PlusDebtGap(status.AmountToPay, status.DebtGapRequired)
	}

	receipt, err := m.execute(ctx, func(callCtx context.Context) (types.Receipt, error) {
		return m.executor.ExecuteRepay(callCtx, pos, amount)
	})
	if err != nil {
		return types.Receipt{}, m.fail(opRepay, err)
	}

	pos.CollateralAmount = receipt.CollateralAfter
	pos.AmountToPay = receipt.DebtAfter
	pos.HealthFactor = receipt.HealthFactorAfter
	pos.DebtGapRequired = receipt.DebtGapRequired
	if receipt.DebtAfter.Sign() == 0 {
		pos.Opened = false
		pos.State = types.PositionClosed
		m.metrics.OpenPositions.Dec()
	}
	m.store(pos)

	_, err = m.ledger.Repay(ctx, key, ledger.Repayment{
		Repaid:             receipt.RepaidAmount,
		DebtGapReturned:    receipt.DebtGapReturned,
		CollateralReturned: receipt.CollateralAmount,
		ObservedDebt:       receipt.DebtAfter,
	}, receipt.BlockNumber)
	if err != nil {
		return receipt, m.fail(opRepay, err)
	}
	m.succeed(opRepay)
	m.logger.Info("Position repaid",
		zap.Stringer("key", key),
		zap.String("repaid", receipt.RepaidAmount.String()),
		zap.String("debt_after", receipt.DebtAfter.String()),
		zap.Bool("closed", !pos.Opened))
	return receipt, nil
}

// CheckHealth refreshes the health factor of the position and returns the
// action that would bring it back to target.
func (m *Manager) CheckHealth(ctx context.Context, key types.PositionKey, useCollateral bool) (health.RebalanceAction, error) {
	unlock := m.lock(key)
	defer unlock()

	pos, ok := m.position(key)
	if !ok {
		return health.RebalanceAction{}, fmt.Errorf("%w: %s", types.ErrPositionNotFound, key)
	}
	action, status, err := m.plannedRebalance(ctx, pos, m.gov.Snapshot(), useCollateral)
	if err != nil {
		return health.RebalanceAction{}, err
	}
	pos.HealthFactor = action.Current
	pos.CollateralAmount = status.CollateralAmount
	pos.AmountToPay = status.AmountToPay
	m.store(pos)
	return action, nil
}

// Rebalance moves an open position back to the target health factor when it
// left the configured bounds by more than the threshold. Unhealthy positions
// repay debt, or add collateral when useCollateral is set; too healthy ones
// borrow more.
func (m *Manager) Rebalance(ctx context.Context, key types.PositionKey, useCollateral bool) (health.RebalanceAction, error) {
	unlock := m.lock(key)
	defer unlock()

	pos, ok := m.position(key)
	if !ok {
		return health.RebalanceAction{}, fmt.Errorf("%w: %s", types.ErrPositionNotFound, key)
	}
	if !pos.Opened {
		return health.RebalanceAction{}, fmt.Errorf("%w: position %s is closed", types.ErrInvalidInput, key)
	}
	m.metrics.Attempts.WithLabelValues(opRebalance).Inc()

	if err := m.reconcile(ctx, key); err != nil {
		return health.RebalanceAction{}, m.fail(opRebalance, err)
	}
	action, _, err := m.plannedRebalance(ctx, pos, m.gov.Snapshot(), useCollateral)
	if err != nil {
		return health.RebalanceAction{}, m.fail(opRebalance, err)
	}
	if action.IsNone() {
		m.succeed(opRebalance)
		return action, nil
	}

	prev := pos
	pos.State = types.PositionRebalancing
	m.store(pos)

	receipt, err := m.execute(ctx, func(callCtx context.Context) (types.Receipt, error) {
		switch action.Kind {
		case health.RebalanceRepay:
			return m.executor.ExecuteRepayToRebalance(callCtx, pos, action.Amount, false)
		case health.RebalanceAddCollateral:
			return m.executor.ExecuteRepayToRebalance(callCtx, pos, action.Amount, true)
		default:
			return m.executor.ExecuteBorrowToRebalance(callCtx, pos, action.Amount)
		}
	})
	if err != nil {
		m.restore(key, prev, true)
		return health.RebalanceAction{}, m.fail(opRebalance, err)
	}

	pos.CollateralAmount = receipt.CollateralAfter
	pos.AmountToPay = receipt.DebtAfter
	pos.HealthFactor = receipt.HealthFactorAfter
	pos.State = types.PositionOpen
	m.store(pos)
	m.metrics.Rebalances.WithLabelValues(action.Kind.String()).Inc()
	drained := receipt.DebtAfter.Sign() == 0
	if !drained {
		m.checkBounds(pos)
	}

	switch action.Kind {
	case health.RebalanceRepay:
		_, err = m.ledger.Repay(ctx, key, ledger.Repayment{
			Repaid:       receipt.RepaidAmount,
			ObservedDebt: receipt.DebtAfter,
		}, receipt.BlockNumber)
	case health.RebalanceAddCollateral:
		_, err = m.ledger.Borrow(ctx, key, receipt.CollateralAmount, nil, receipt.BlockNumber)
	default:
		_, err = m.ledger.Borrow(ctx, key, nil, receipt.BorrowedAmount, receipt.BlockNumber)
	}
	if err != nil {
		return action, m.fail(opRebalance, err)
	}
	m.succeed(opRebalance)
	if drained {
		// nothing left to borrow against, withdraw the collateral and close
		if _, err := m.repay(ctx, pos, nil, true); err != nil {
			return action, err
		}
	}
	m.logger.Info("Position rebalanced",
		zap.Stringer("key", key),
		zap.Stringer("kind", action.Kind),
		zap.String("amount", action.Amount.String()),
		zap.String("health_factor", bmath.FormatWad(pos.HealthFactor, 4)))
	return action, nil
}

// plannedRebalance values the position from fresh protocol status and market
// snapshots under one governance snapshot.
func (m *Manager) plannedRebalance(ctx context.Context, pos types.Position, gov *governance.Snapshot, useCollateral bool) (health.RebalanceAction, types.PositionStatus, error) {
	adapter, err := m.adapterFor(pos.Key.Pair(), pos.Key.Platform)
	if err != nil {
		return health.RebalanceAction{}, types.PositionStatus{}, err
	}
	status, err := m.status(ctx, pos.Key)
	if err != nil {
		return health.RebalanceAction{}, types.PositionStatus{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	coll, borrow, err := adapter.Snapshots(callCtx, pos.CollateralAsset, pos.BorrowAsset)
	if err != nil {
		return health.RebalanceAction{}, types.PositionStatus{}, err
	}
	_, lt := adapter.RiskParams(coll)
	v := health.Valuation{
		Collateral:           status.CollateralAmount,
		Debt:                 status.AmountToPay,
		PriceCollateral:      coll.PriceUSD,
		PriceBorrow:          borrow.PriceUSD,
		DecimalsCollateral:   pos.CollateralAsset.Decimals,
		DecimalsBorrow:       pos.BorrowAsset.Decimals,
		LiquidationThreshold: lt,
	}
	current := status.HealthFactor
	if current == nil {
		current = v.HealthFactor()
	}
	action, err := health.AmountsToRebalance(v, current, gov.Bounds, gov.Thresholds, useCollateral)
	if err != nil {
		return health.RebalanceAction{}, types.PositionStatus{}, err
	}
	return action, status, nil
}

// Position returns a copy of the tracked position.
func (m *Manager) Position(key types.PositionKey) (types.Position, bool) {
	return m.position(key)
}

// Positions lists the tracked positions of the user in the order they were
// first recorded.
func (m *Manager) Positions(user common.Address) []types.Position {
	var out []types.Position
	for _, key := range m.ledger.PositionsForUser(user) {
		if pos, ok := m.position(key); ok {
			out = append(out, pos)
		}
	}
	return out
}

// OpenPositions returns every position in the open state, ordered by key.
func (m *Manager) OpenPositions() []types.Position {
	m.mu.RLock()
	out := make([]types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		if pos.State == types.PositionOpen {
			out = append(out, pos.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (m *Manager) position(key types.PositionKey) (types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[key]
	if !ok {
		return types.Position{}, false
	}
	return pos.Clone(), true
}

func (m *Manager) store(pos types.Position) {
	clone := pos.Clone()
	m.mu.Lock()
	m.positions[pos.Key] = &clone
	m.mu.Unlock()
}

func (m *Manager) restore(key types.PositionKey, prev types.Position, existed bool) {
	if existed {
		m.store(prev)
		return
	}
	m.mu.Lock()
	delete(m.positions, key)
	m.mu.Unlock()
}

// lock serializes operations on one position key.
func (m *Manager) lock(key types.PositionKey) func() {
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) status(ctx context.Context, key types.PositionKey) (types.PositionStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	status, err := m.executor.Status(callCtx, key)
	if err != nil {
		return types.PositionStatus{}, fmt.Errorf("failed to read position status: %w", err)
	}
	status.CollateralAmount = bmath.Clone(status.CollateralAmount)
	status.AmountToPay = bmath.Clone(status.AmountToPay)
	return status, nil
}

// reconcile checks the ledger against the protocol before acting.
func (m *Manager) reconcile(ctx context.Context, key types.PositionKey) error {
	status, err := m.status(ctx, key)
	if err != nil {
		return err
	}
	return m.ledger.Reconcile(key, status.CollateralAmount, status.AmountToPay, m.cfg.ReconcileToleranceBps)
}

func (m *Manager) execute(ctx context.Context, call func(context.Context) (types.Receipt, error)) (types.Receipt, error) {
	start := time.Now()
	defer func() {
		m.metrics.ExecutionLatency.Observe(time.Since(start).Seconds())
	}()

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	receipt, err := call(callCtx)
	if err != nil {
		if !errors.Is(err, types.ErrExecutionFailure) {
			err = fmt.Errorf("%w: %v", types.ErrExecutionFailure, err)
		}
		return types.Receipt{}, err
	}
	return receipt.Normalize(), nil
}

func (m *Manager) checkBounds(pos types.Position) {
	bounds := m.gov.Snapshot().Bounds
	hf := pos.HealthFactor
	if hf == nil || bmath.IsMaxUint256(hf) {
		return
	}
	max := bounds.MaxWad()
	if hf.Cmp(bounds.MinWad()) < 0 || (max != nil && hf.Cmp(max) > 0) {
		m.logger.Warn("Health factor outside bounds",
			zap.Stringer("key", pos.Key),
			zap.String("health_factor", bmath.FormatWad(hf, 4)),
			zap.Uint64("min", bounds.Min),
			zap.Uint64("max", bounds.Max))
	}
}

func (m *Manager) fail(op string, err error) error {
	m.metrics.Failures.WithLabelValues(op, errorType(err)).Inc()
	m.updateSuccessRate()
	if errors.Is(err, types.ErrLedgerInconsistency) {
		m.logger.Error("Operation aborted", zap.String("operation", op), zap.Error(err))
	} else {
		m.logger.Warn("Operation failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

func (m *Manager) succeed(op string) {
	m.metrics.Successes.WithLabelValues(op).Inc()
	m.updateSuccessRate()
}

func errorType(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, types.ErrStaleQuote):
		return "stale_quote"
	case errors.Is(err, types.ErrExecutionFailure):
		return "execution"
	case errors.Is(err, types.ErrLedgerInconsistency), errors.Is(err, ledger.ErrJournal):
		return "ledger"
	case errors.Is(err, types.ErrSourceUnavailable):
		return "source"
	case errors.Is(err, types.ErrNoAdapter):
		return "no_adapter"
	default:
		return "other"
	}
}

// updateSuccessRate sets the success ratio from the counter samples.
func (m *Manager) updateSuccessRate() {
	attempts := counterTotal(m.metrics.Attempts)
	if attempts > 0 {
		m.metrics.SuccessRate.Set(counterTotal(m.metrics.Successes) / attempts)
	}
}

func counterTotal(c prometheus.Collector) float64 {
	ch := make(chan prometheus.Metric, 8)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var total float64
	for metric := range ch {
		sample := &dto.Metric{}
		if err := metric.Write(sample); err == nil && sample.Counter != nil {
			total += sample.Counter.GetValue()
		}
	}
	return total
}
