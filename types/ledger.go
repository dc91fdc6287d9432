package types

import (
	"math/big"
	"time"
)

// ActionKind distinguishes ledger entries.
type ActionKind uint8

const (
	ActionBorrow ActionKind = iota + 1
	ActionRepay
)

func (k ActionKind) String() string {
	switch k {
	case ActionBorrow:
		return "borrow"
	case ActionRepay:
		return "repay"
	default:
		return "unknown"
	}
}

// RepayInfo carries the shortfall of a repay action. Loss is never negative.
type RepayInfo struct {
	Loss *big.Int
}

// LedgerAction is one immutable bookkeeping entry. The current totals of a
// position are the fields of its most recent action.
type LedgerAction struct {
	Seq                 uint64
	Key                 PositionKey
	Kind                ActionKind
	SuppliedAmountAfter *big.Int
	BorrowedAmountAfter *big.Int
	Repay               *RepayInfo
	BlockNumber         uint64
	RecordedAt          time.Time
}

// Loss returns the recorded loss, zero for borrow actions.
func (a LedgerAction) Loss() *big.Int {
	if a.Repay == nil || a.Repay.Loss == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.Repay.Loss)
}

// Clone returns a deep copy of the action.
func (a LedgerAction) Clone() LedgerAction {
	clone := a
	clone.SuppliedAmountAfter = cloneInt(a.SuppliedAmountAfter)
	clone.BorrowedAmountAfter = cloneInt(a.BorrowedAmountAfter)
	if a.Repay != nil {
		clone.Repay = &RepayInfo{Loss: cloneInt(a.Repay.Loss)}
	}
	return clone
}
