package cmd

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/borrowbot/config"
	"github.com/michaelpento.lv/borrowbot/governance"
	"github.com/michaelpento.lv/borrowbot/ledger"
	"github.com/michaelpento.lv/borrowbot/ledger/sqlstore"
	"github.com/michaelpento.lv/borrowbot/manager"
	"github.com/michaelpento.lv/borrowbot/market"
	"github.com/michaelpento.lv/borrowbot/platform"
	"github.com/michaelpento.lv/borrowbot/platform/aave"
	"github.com/michaelpento.lv/borrowbot/platform/compound"
	"github.com/michaelpento.lv/borrowbot/simulator"
	"github.com/michaelpento.lv/borrowbot/types"
	"github.com/michaelpento.lv/borrowbot/utils/metrics"
)

// app holds the components shared by the commands. Execution goes through
// the in-memory simulator on top of the fixture markets.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	reg     prometheus.Registerer
	markets *market.Loaded
	cached  *market.Cached
	gov     *governance.Config
	ledger  *ledger.Ledger
	store   *sqlstore.Store
	sim     *simulator.Simulator
	manager *manager.Manager
}

func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*app, error) {
	if cfg.MarketsFile == "" {
		return nil, fmt.Errorf("markets file is required (--markets or %s)", config.EnvMarketsFile)
	}
	loaded, err := market.LoadFixture(cfg.MarketsFile)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, reg: reg, markets: loaded}
	ns := cfg.MetricsNamespace

	a.cached, err = market.NewCached(loaded.Static, loaded.Static, cfg.CacheConfig(), logger.Named("market"), metrics.NewMarketMetrics(ns, reg))
	if err != nil {
		return nil, err
	}
	a.gov, err = governance.New(cfg.Bounds(), cfg.Thresholds(), cfg.Pairs(), logger.Named("governance"))
	if err != nil {
		return nil, err
	}

	opts := []ledger.Option{ledger.WithMetrics(metrics.NewLedgerMetrics(ns, reg))}
	if cfg.LedgerDSN != "" {
		a.store, err = sqlstore.Open(cfg.LedgerDSN)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ledger.WithJournal(a.store))
	}
	a.ledger = ledger.New(logger.Named("ledger"), opts...)
	if a.store != nil {
		n, err := a.ledger.Restore(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to restore ledger: %w", err)
		}
		logger.Info("Ledger restored", zap.Int("actions", n), zap.String("dsn", cfg.LedgerDSN))
	}

	deps := platform.Deps{
		Source:     a.cached,
		Oracle:     a.cached,
		Governance: a.gov,
		Logger:     logger.Named("planner"),
		Metrics:    metrics.NewPlannerMetrics(ns, reg),
	}
	adapters := make([]platform.Adapter, 0, len(loaded.Static.Platforms()))
	simOpts := []simulator.Option{simulator.WithDebtGapRequired(cfg.DebtGapRequired)}
	for _, p := range loaded.Static.Platforms() {
		adapter, err := a.newAdapter(p, deps)
		if err != nil {
			a.Close()
			return nil, err
		}
		adapters = append(adapters, adapter)
		simOpts = append(simOpts, simulator.WithProtocol(adapter.(platform.Protocol)))
	}
	a.sim = simulator.NewSimulator(loaded.Static, logger.Named("simulator"), simOpts...)

	a.manager, err = manager.NewManager(cfg.ManagerConfig(), manager.Deps{
		Executor:   purgingExecutor{ProtocolExecutor: a.sim, cached: a.cached},
		Ledger:     a.ledger,
		Governance: a.gov,
		Logger:     logger.Named("manager"),
		Metrics:    metrics.NewManagerMetrics(ns, reg),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	for _, adapter := range adapters {
		for _, pair := range a.pairs(adapter.Platform()) {
			if err := a.manager.RegisterAdapter(pair, adapter); err != nil {
				a.Close()
				return nil, err
			}
		}
	}
	return a, nil
}

func (a *app) newAdapter(p types.Platform, deps platform.Deps) (platform.Adapter, error) {
	models := a.markets.RateModels[p]
	switch p {
	case types.PlatformAaveV2, types.PlatformAaveV3:
		version := aave.V3
		if p == types.PlatformAaveV2 {
			version = aave.V2
		}
		markets := make(map[common.Address]*aave.RateModel)
		for _, asset := range a.markets.Static.Markets(p) {
			markets[asset.Address] = nil
			if m, ok := models[asset.Address]; ok {
				markets[asset.Address] = &aave.RateModel{BaseRate: m.Base, Slope1: m.Slope1, Slope2: m.Slope2, OptimalUtilization: m.Kink}
			}
		}
		return aave.NewAdapter(aave.Config{Version: version, Markets: markets, BlocksPerYear: a.markets.BlocksPerYear[p]}, deps)
	default:
		family, err := compound.FamilyFor(p)
		if err != nil {
			return nil, err
		}
		markets := make(map[common.Address]*compound.JumpRateModel)
		for _, asset := range a.markets.Static.Markets(p) {
			markets[asset.Address] = nil
			if m, ok := models[asset.Address]; ok {
				markets[asset.Address] = &compound.JumpRateModel{BaseRatePerBlock: m.Base, MultiplierPerBlock: m.Slope1, JumpMultiplierPerBlock: m.Slope2, Kink: m.Kink}
			}
		}
		return compound.NewAdapter(compound.Config{Family: family, Markets: markets}, deps)
	}
}

// pairs lists the pairs an adapter is registered for: the whitelist when one
// is configured, otherwise every ordered pair of the platform's markets.
func (a *app) pairs(p types.Platform) []types.AssetPair {
	if pairs := a.cfg.Pairs(); pairs != nil {
		return pairs
	}
	assets := a.markets.Static.Markets(p)
	var out []types.AssetPair
	for _, c := range assets {
		for _, b := range assets {
			if c.Address != b.Address {
				out = append(out, types.AssetPair{Collateral: c.Address, Borrow: b.Address})
			}
		}
	}
	return out
}

func (a *app) asset(symbol string) (types.Asset, error) {
	return a.markets.AssetBySymbol(symbol)
}

func (a *app) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// purgingExecutor drops memoized market reads after every executed call, so
// plans computed in the same block see the new balances.
type purgingExecutor struct {
	manager.ProtocolExecutor
	cached *market.Cached
}

func (e purgingExecutor) ExecuteBorrow(ctx context.Context, plan types.ConversionPlan, user common.Address) (types.Receipt, error) {
	defer e.cached.Purge()
	return e.ProtocolExecutor.ExecuteBorrow(ctx, plan, user)
}

func (e purgingExecutor) ExecuteRepay(ctx context.Context, pos types.Position, amount *big.Int) (types.Receipt, error) {
	defer e.cached.Purge()
	return e.ProtocolExecutor.ExecuteRepay(ctx, pos, amount)
}

func (e purgingExecutor) ExecuteBorrowToRebalance(ctx context.Context, pos types.Position, amount *big.Int) (types.Receipt, error) {
	defer e.cached.Purge()
	return e.ProtocolExecutor.ExecuteBorrowToRebalance(ctx, pos, amount)
}

func (e purgingExecutor) ExecuteRepayToRebalance(ctx context.Context, pos types.Position, amount *big.Int, isCollateral bool) (types.Receipt, error) {
	defer e.cached.Purge()
	return e.ProtocolExecutor.ExecuteRepayToRebalance(ctx, pos, amount, isCollateral)
}
