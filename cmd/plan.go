package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

type requestFlags struct {
	collateral  string
	borrow      string
	amount      string
	kind        string
	numerator   uint64
	denominator uint64
	blocks      uint64
	hf          uint64
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.collateral, "collateral", "DAI", "collateral asset symbol")
	cmd.Flags().StringVar(&f.borrow, "borrow", "USDC", "borrow asset symbol")
	cmd.Flags().StringVar(&f.amount, "amount", "1000", "input amount in whole tokens")
	cmd.Flags().StringVar(&f.kind, "kind", "collateral", "entry kind: collateral, borrow or proportion")
	cmd.Flags().Uint64Var(&f.numerator, "numerator", 1, "collateral share for the proportion kind")
	cmd.Flags().Uint64Var(&f.denominator, "denominator", 2, "borrow share for the proportion kind")
	cmd.Flags().Uint64Var(&f.blocks, "blocks", 100_000, "cost horizon in blocks")
	cmd.Flags().Uint64Var(&f.hf, "hf", 0, "target health factor x100, 0 uses the configured target")
}

func (f *requestFlags) request(a *app) (types.PlanRequest, error) {
	collateral, err := a.asset(f.collateral)
	if err != nil {
		return types.PlanRequest{}, err
	}
	borrow, err := a.asset(f.borrow)
	if err != nil {
		return types.PlanRequest{}, err
	}

	req := types.PlanRequest{
		CollateralAsset: collateral,
		BorrowAsset:     borrow,
		CountBlocks:     f.blocks,
		HealthFactor2:   f.hf,
	}
	inputDecimals := collateral.Decimals
	switch f.kind {
	case "collateral":
		req.EntryKind = types.ExactCollateralForMaxBorrow()
	case "proportion":
		req.EntryKind = types.ExactProportion(f.numerator, f.denominator)
	case "borrow":
		req.EntryKind = types.ExactBorrowForMinCollateral()
		inputDecimals = borrow.Decimals
	default:
		return types.PlanRequest{}, fmt.Errorf("%w: unknown entry kind %q", types.ErrInvalidInput, f.kind)
	}
	req.AmountIn, err = bmath.ParseUnits(f.amount, inputDecimals)
	if err != nil {
		return types.PlanRequest{}, err
	}
	return req, nil
}

var planFlags requestFlags

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Quote a borrow on every registered platform",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, prometheus.NewRegistry(), cfg.Logger)
		if err != nil {
			return err
		}
		defer a.Close()

		req, err := planFlags.request(a)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PLATFORM\tCOLLATERAL\tBORROW\tMAX BORROW\tNET COST\tNOTE")
		for _, adapter := range a.manager.Adapters(req.Pair()) {
			plan, err := adapter.ComputePlan(cmd.Context(), req)
			if err != nil {
				fmt.Fprintf(w, "%s\t-\t-\t-\t-\t%v\n", adapter.Platform(), err)
				continue
			}
			writePlan(w, adapter.Platform(), plan)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		best, err := a.manager.FindPlan(cmd.Context(), req)
		if err != nil {
			return err
		}
		if best.IsEmpty() {
			fmt.Fprintf(out, "\nno plan available: %s\n", best.Rejection)
			return nil
		}
		fmt.Fprintf(out, "\nselected (%s): %s\n", cfg.ManagerConfig().Policy, best.Converter.Platform)
		return nil
	},
}

func writePlan(w io.Writer, p types.Platform, plan types.ConversionPlan) {
	if plan.IsEmpty() {
		fmt.Fprintf(w, "%s\t-\t-\t-\t-\t%s\n", p, plan.Rejection)
		return
	}
	borrowDecimals := plan.BorrowAsset.Decimals
	fmt.Fprintf(w, "%s\t%s %s\t%s %s\t%s\t%s\t\n",
		p,
		bmath.FormatUnits(plan.CollateralAmount, plan.CollateralAsset.Decimals), plan.CollateralAsset.Symbol,
		bmath.FormatUnits(plan.AmountToBorrow, borrowDecimals), plan.BorrowAsset.Symbol,
		bmath.FormatUnits(plan.MaxAmountToBorrow, borrowDecimals),
		bmath.FormatUnits(plan.NetCost(), borrowDecimals),
	)
}

func init() {
	planFlags.register(planCmd)
	rootCmd.AddCommand(planCmd)
}
