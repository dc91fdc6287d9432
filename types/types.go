package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Asset identifies a fungible token. Two assets are the same when their
// addresses are equal; symbol and decimals are descriptive only.
type Asset struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// IsZero reports whether the asset has no address.
func (a Asset) IsZero() bool {
	return a.Address == (common.Address{})
}

// Equal compares assets by address
func (a Asset) Equal(b Asset) bool {
	return a.Address == b.Address
}

func (a Asset) String() string {
	if a.Symbol != "" {
		return a.Symbol
	}
	return a.Address.Hex()
}

// Platform names a lending protocol deployment
type Platform string

const (
	PlatformAaveV2         Platform = "aave2"
	PlatformAaveV3         Platform = "aave3"
	PlatformMoonwell       Platform = "moonwell"
	PlatformHundredFinance Platform = "hundred-finance"
	PlatformDForce         Platform = "dforce"
)

// AssetPair is the (collateral, borrow) combination a plan is requested for.
type AssetPair struct {
	Collateral common.Address
	Borrow     common.Address
}

func (p AssetPair) String() string {
	return fmt.Sprintf("%s->%s", p.Collateral.Hex(), p.Borrow.Hex())
}

// PositionKey identifies one debt relationship.
type PositionKey struct {
	Platform        Platform
	User            common.Address
	CollateralAsset common.Address
	BorrowAsset     common.Address
}

// Pair returns the asset pair of the position
func (k PositionKey) Pair() AssetPair {
	return AssetPair{Collateral: k.CollateralAsset, Borrow: k.BorrowAsset}
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Platform, k.User.Hex(), k.CollateralAsset.Hex(), k.BorrowAsset.Hex())
}
