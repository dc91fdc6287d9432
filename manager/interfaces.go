package manager

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/borrowbot/types"
)

// ProtocolExecutor performs the calls against the lending protocol. Every
// method returns once the call is confirmed or has failed.
type ProtocolExecutor interface {
	ExecuteBorrow(ctx context.Context, plan types.ConversionPlan, user common.Address) (types.Receipt, error)
	// ExecuteRepay sends amount of the borrow asset, including any debt gap.
	ExecuteRepay(ctx context.Context, pos types.Position, amount *big.Int) (types.Receipt, error)
	ExecuteBorrowToRebalance(ctx context.Context, pos types.Position, amount *big.Int) (types.Receipt, error)
	// ExecuteRepayToRebalance supplies collateral when isCollateral is set,
	// otherwise repays debt.
	ExecuteRepayToRebalance(ctx context.Context, pos types.Position, amount *big.Int, isCollateral bool) (types.Receipt, error)
	Status(ctx context.Context, key types.PositionKey) (types.PositionStatus, error)
}

// SelectionPolicy decides between plans of several adapters for one pair.
type SelectionPolicy string

const (
	// FirstNonEmpty takes the first adapter, in registration order, that returns a plan.
	FirstNonEmpty SelectionPolicy = "first-non-empty"
	// BestRate takes the plan with the lowest net cost over the horizon.
	BestRate SelectionPolicy = "best-rate"
)

// ParseSelectionPolicy accepts the policy names used in configuration.
func ParseSelectionPolicy(s string) (SelectionPolicy, error) {
	switch p := SelectionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FirstNonEmpty, nil
	case FirstNonEmpty, BestRate:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown selection policy %q", types.ErrInvalidInput, s)
	}
}

// Config tunes the manager
type Config struct {
	Policy SelectionPolicy
	// RevalidationToleranceBps is how much worse a fresh quote may be than
	// the accepted plan before the plan is considered stale.
	RevalidationToleranceBps uint64
	// ReconcileToleranceBps is passed to the ledger before every action.
	ReconcileToleranceBps uint64
	CallTimeout           time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policy:                   FirstNonEmpty,
		RevalidationToleranceBps: 50,
		ReconcileToleranceBps:    10,
		CallTimeout:              5 * time.Second,
	}
}
