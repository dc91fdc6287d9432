package platform

import (
	"math/big"

	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

// CapPolicy tells how a protocol treats a zero cap.
type CapPolicy uint8

const (
	// CapZeroUnlimited treats a zero cap as "no cap" (Compound, Moonwell, AAVE v3).
	CapZeroUnlimited CapPolicy = iota
	// CapZeroClosed treats a zero cap as "market closed" (dForce).
	CapZeroClosed
	// CapIgnored disregards caps entirely (AAVE v2).
	CapIgnored
)

// BorrowHeadroom returns min(cash, cap - totalBorrows), zero when the cap is
// already reached.
func BorrowHeadroom(cash, totalBorrows, borrowCap *big.Int, policy CapPolicy) *big.Int {
	cash = bmath.Clone(cash)
	if cash.Sign() < 0 {
		return new(big.Int)
	}
	switch {
	case policy == CapIgnored:
		return cash
	case bmath.IsZero(borrowCap):
		if policy == CapZeroClosed {
			return new(big.Int)
		}
		return cash
	}
	return bmath.Min(cash, bmath.SubFloor(borrowCap, totalBorrows))
}

// SupplyHeadroom returns cap - totalSupply, MaxUint256 when uncapped.
func SupplyHeadroom(totalSupply, supplyCap *big.Int, policy CapPolicy) *big.Int {
	switch {
	case policy == CapIgnored:
		return bmath.MaxUint256()
	case bmath.IsZero(supplyCap):
		if policy == CapZeroClosed {
			return new(big.Int)
		}
		return bmath.MaxUint256()
	}
	return bmath.SubFloor(supplyCap, totalSupply)
}

// ScaleCap converts a cap expressed in whole tokens into smallest units.
func ScaleCap(cap *big.Int, decimals uint8) *big.Int {
	if bmath.IsZero(cap) {
		return new(big.Int)
	}
	return new(big.Int).Mul(cap, bmath.Pow10(decimals))
}
