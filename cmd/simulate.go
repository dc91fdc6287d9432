package cmd

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/borrowbot/ledger"
	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
	"github.com/michaelpento.lv/borrowbot/utils/metrics"
	"github.com/michaelpento.lv/borrowbot/utils/monitor"
)

var (
	simFlags       requestFlags
	simUser        string
	simAdvance     uint64
	simPriceMove   string
	simRepayShare  string
	simMetricsFile string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a position lifecycle against the fixture markets",
	Long: `simulate opens a position with the best available plan, lets interest
accrue, moves the collateral price, runs one monitoring pass, repays part of
the debt and finally closes the position. The ledger summary is printed at
the end.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		metrics.Initialize(cfg.MetricsConfig(), cfg.Logger)
		reg := metrics.Registry()
		a, err := newApp(cmd.Context(), cfg, reg, cfg.Logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if !common.IsHexAddress(simUser) {
			return fmt.Errorf("%w: invalid user address %q", types.ErrInvalidInput, simUser)
		}
		user := common.HexToAddress(simUser)
		req, err := simFlags.request(a)
		if err != nil {
			return err
		}
		move, err := decimal.NewFromString(simPriceMove)
		if err != nil {
			return fmt.Errorf("%w: price move: %v", types.ErrInvalidInput, err)
		}
		share, err := decimal.NewFromString(simRepayShare)
		if err != nil || share.IsNegative() || share.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: repay share must be within [0, 1]", types.ErrInvalidInput)
		}

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		pos, err := a.manager.Borrow(ctx, user, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "opened on %s: ", pos.Key.Platform)
		printPosition(out, pos)

		a.sim.AdvanceBlocks(simAdvance)
		if !move.IsZero() {
			price, err := a.markets.Static.Price(ctx, req.CollateralAsset)
			if err != nil {
				return err
			}
			moved := decimal.NewFromBigInt(price, 0).Mul(decimal.NewFromInt(1).Add(move)).BigInt()
			a.markets.Static.SetPrice(req.CollateralAsset, moved)
			fmt.Fprintf(out, "%s price moved to %s\n", req.CollateralAsset.Symbol, bmath.FormatWad(moved, 4))
		}

		mon, err := monitor.NewPositionMonitor(ctx, a.manager, cfg.MonitorConfig(), cfg.Logger, reg)
		if err != nil {
			return err
		}
		defer mon.Cleanup()
		res := mon.RunOnce(ctx)
		fmt.Fprintf(out, "monitor: checked %d, rebalanced %d, failed %d\n", res.Checked, res.Rebalanced, res.Failed)
		if pos, ok := a.manager.Position(pos.Key); ok {
			fmt.Fprint(out, "after monitoring: ")
			printPosition(out, pos)
		}

		if current, ok := a.manager.Position(pos.Key); ok && share.IsPositive() {
			amount := decimal.NewFromBigInt(current.AmountToPay, 0).Mul(share).BigInt()
			if amount.Sign() > 0 && share.LessThan(decimal.NewFromInt(1)) {
				if _, err := a.manager.Repay(ctx, pos.Key, amount, false); err != nil {
					return err
				}
				fmt.Fprintf(out, "repaid %s %s\n", bmath.FormatUnits(amount, req.BorrowAsset.Decimals), req.BorrowAsset.Symbol)
			}
		}

		a.sim.AdvanceBlocks(simAdvance)
		receipt, err := a.manager.Repay(ctx, pos.Key, nil, true)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "closed: repaid %s, gap returned %s, collateral returned %s\n",
			bmath.FormatUnits(receipt.RepaidAmount, req.BorrowAsset.Decimals),
			bmath.FormatUnits(receipt.DebtGapReturned, req.BorrowAsset.Decimals),
			bmath.FormatUnits(receipt.CollateralAmount, req.CollateralAsset.Decimals))

		printSummary(out, a.ledger.Summary(pos.Key), req)
		if simMetricsFile != "" {
			return prometheus.WriteToTextfile(simMetricsFile, reg)
		}
		return nil
	},
}

func printPosition(w io.Writer, pos types.Position) {
	fmt.Fprintf(w, "collateral %s %s, debt %s %s, health factor %s\n",
		bmath.FormatUnits(pos.CollateralAmount, pos.CollateralAsset.Decimals), pos.CollateralAsset.Symbol,
		bmath.FormatUnits(pos.AmountToPay, pos.BorrowAsset.Decimals), pos.BorrowAsset.Symbol,
		bmath.FormatWad(pos.HealthFactor, 4))
}

func printSummary(w io.Writer, sum ledger.PositionSummary, req types.PlanRequest) {
	fmt.Fprintf(w, "ledger: %d borrows, %d repays, loss %s %s, supplied %s, borrowed %s\n",
		sum.Borrows, sum.Repays,
		bmath.FormatUnits(sum.TotalLoss, req.BorrowAsset.Decimals), req.BorrowAsset.Symbol,
		bmath.FormatUnits(sum.Supplied, req.CollateralAsset.Decimals),
		bmath.FormatUnits(sum.Borrowed, req.BorrowAsset.Decimals))
}

func init() {
	simFlags.register(simulateCmd)
	simulateCmd.Flags().StringVar(&simUser, "user", "0x000000000000000000000000000000000000bEEF", "position owner")
	simulateCmd.Flags().Uint64Var(&simAdvance, "advance", 10_000, "blocks between lifecycle steps")
	simulateCmd.Flags().StringVar(&simPriceMove, "price-move", "-0.1", "relative collateral price change before monitoring")
	simulateCmd.Flags().StringVar(&simRepayShare, "repay-share", "0.5", "share of the debt repaid before closing")
	simulateCmd.Flags().StringVar(&simMetricsFile, "metrics-file", "", "write collected metrics in text format to this file")
	rootCmd.AddCommand(simulateCmd)
}
