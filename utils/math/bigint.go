package math

import (
	"math/big"

	gethmath "github.com/ethereum/go-ethereum/common/math"
)

// WadDecimals is the number of decimals of 1e18 fixed point values.
const WadDecimals = 18

var (
	wad      = big.NewInt(1e18)
	pow10Tab [78]*big.Int
)

func init() {
	pow10Tab[0] = big.NewInt(1)
	ten := big.NewInt(10)
	for i := 1; i < len(pow10Tab); i++ {
		pow10Tab[i] = new(big.Int).Mul(pow10Tab[i-1], ten)
	}
}

// Wad returns a fresh 1e18.
func Wad() *big.Int {
	return new(big.Int).Set(wad)
}

// MaxUint256 returns a fresh 2^256-1, used as "unlimited" and "infinite health".
func MaxUint256() *big.Int {
	return new(big.Int).Set(gethmath.MaxBig256)
}

// IsMaxUint256 reports whether x equals 2^256-1
func IsMaxUint256(x *big.Int) bool {
	return x != nil && x.Cmp(gethmath.MaxBig256) == 0
}

// Pow10 returns a fresh 10^n
func Pow10(n uint8) *big.Int {
	if int(n) < len(pow10Tab) {
		return new(big.Int).Set(pow10Tab[n])
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Clone copies x, treating nil as zero
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// IsZero reports whether x is nil or zero
func IsZero(x *big.Int) bool {
	return x == nil || x.Sign() == 0
}

// IsPositive reports whether x is strictly greater than zero
func IsPositive(x *big.Int) bool {
	return x != nil && x.Sign() > 0
}

// Min returns a copy of the smaller of a and b
func Min(a, b *big.Int) *big.Int {
	a, b = Clone(a), Clone(b)
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns a copy of the larger of a and b
func Max(a, b *big.Int) *big.Int {
	a, b = Clone(a), Clone(b)
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// SubFloor returns max(a-b, 0).
func SubFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(Clone(a), Clone(b))
	if out.Sign() < 0 {
		return out.SetInt64(0)
	}
	return out
}

// MulDiv returns floor(x*y/d). A zero divisor yields zero.
func MulDiv(x, y, d *big.Int) *big.Int {
	if IsZero(d) {
		return new(big.Int)
	}
	out := new(big.Int).Mul(Clone(x), Clone(y))
	return out.Quo(out, d)
}

// MulDivUp returns ceil(x*y/d) for non-negative operands. A zero divisor yields zero.
func MulDivUp(x, y, d *big.Int) *big.Int {
	if IsZero(d) {
		return new(big.Int)
	}
	out := new(big.Int).Mul(Clone(x), Clone(y))
	return DivUp(out, d)
}

// DivUp returns ceil(n/d) for non-negative operands.
func DivUp(n, d *big.Int) *big.Int {
	if IsZero(d) {
		return new(big.Int)
	}
	q, r := new(big.Int).QuoRem(Clone(n), d, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// WadMul returns floor(a*b/1e18).
func WadMul(a, b *big.Int) *big.Int {
	return MulDiv(a, b, wad)
}

// WadDiv returns floor(a*1e18/b).
func WadDiv(a, b *big.Int) *big.Int {
	return MulDiv(a, wad, b)
}

// ToUSD values an amount of a token with the given decimals at a 1e18 USD price.
func ToUSD(amount, price *big.Int, decimals uint8) *big.Int {
	return MulDiv(amount, price, Pow10(decimals))
}

// ConvertAmount expresses an amount of token A in units of token B using
// their 1e18 USD prices. Rounds down.
func ConvertAmount(amount, priceFrom *big.Int, decimalsFrom uint8, priceTo *big.Int, decimalsTo uint8) *big.Int {
	num := new(big.Int).Mul(Clone(amount), Clone(priceFrom))
	num.Mul(num, Pow10(decimalsTo))
	den := new(big.Int).Mul(Clone(priceTo), Pow10(decimalsFrom))
	if den.Sign() == 0 {
		return new(big.Int)
	}
	return num.Quo(num, den)
}

// Bps returns floor(x*bps/10000).
func Bps(x *big.Int, bps uint64) *big.Int {
	return MulDiv(x, new(big.Int).SetUint64(bps), big.NewInt(10_000))
}
