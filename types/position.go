package types

import (
	"math/big"
)

// PositionState is the lifecycle state of one position.
type PositionState uint8

const (
	PositionClosed PositionState = iota
	PositionOpening
	PositionOpen
	PositionRebalancing
)

func (s PositionState) String() string {
	switch s {
	case PositionClosed:
		return "closed"
	case PositionOpening:
		return "opening"
	case PositionOpen:
		return "open"
	case PositionRebalancing:
		return "rebalancing"
	default:
		return "unknown"
	}
}

// Position is one open (or historically open) debt relationship.
type Position struct {
	Key             PositionKey
	CollateralAsset Asset
	BorrowAsset     Asset
	Converter       Converter

	CollateralAmount *big.Int
	AmountToPay      *big.Int
	// HealthFactor is scaled by 1e18.
	HealthFactor *big.Int

	Opened          bool
	DebtGapRequired bool
	State           PositionState
}

// Clone returns a deep copy of the position.
func (p Position) Clone() Position {
	clone := p
	clone.CollateralAmount = cloneInt(p.CollateralAmount)
	clone.AmountToPay = cloneInt(p.AmountToPay)
	clone.HealthFactor = cloneInt(p.HealthFactor)
	return clone
}

// PositionStatus is the protocol-side view of a position.
type PositionStatus struct {
	CollateralAmount *big.Int
	AmountToPay      *big.Int
	// HealthFactor scaled by 1e18; nil when the protocol does not report it.
	HealthFactor    *big.Int
	Opened          bool
	DebtGapRequired bool
}

// Receipt is returned by the protocol executor after a confirmed call.
type Receipt struct {
	BlockNumber uint64

	// Collateral supplied on borrow, or returned on repay.
	CollateralAmount *big.Int
	BorrowedAmount   *big.Int
	// RepaidAmount is what was sent, including any debt-gap overshoot.
	RepaidAmount    *big.Int
	DebtGapReturned *big.Int

	CollateralAfter   *big.Int
	DebtAfter         *big.Int
	HealthFactorAfter *big.Int
	DebtGapRequired   bool
}

// Normalize replaces nil amounts by zero.
func (r Receipt) Normalize() Receipt {
	r.CollateralAmount = cloneInt(r.CollateralAmount)
	r.BorrowedAmount = cloneInt(r.BorrowedAmount)
	r.RepaidAmount = cloneInt(r.RepaidAmount)
	r.DebtGapReturned = cloneInt(r.DebtGapReturned)
	r.CollateralAfter = cloneInt(r.CollateralAfter)
	r.DebtAfter = cloneInt(r.DebtAfter)
	if r.HealthFactorAfter != nil {
		r.HealthFactorAfter = new(big.Int).Set(r.HealthFactorAfter)
	}
	return r
}
