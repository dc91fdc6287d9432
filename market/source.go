// Package market provides the market data and price feeds plans are computed from.
package market

import (
	"context"
	"math/big"

	"github.com/michaelpento.lv/borrowbot/types"
)

// DataSource reads market snapshots. Implementations return
// types.ErrMarketNotListed when the platform has no market for the asset and
// wrap types.ErrSourceUnavailable on transport failures.
type DataSource interface {
	Snapshot(ctx context.Context, platform types.Platform, asset types.Asset) (*types.MarketSnapshot, error)
}

// PriceOracle returns USD prices scaled by 1e18.
type PriceOracle interface {
	Price(ctx context.Context, asset types.Asset) (*big.Int, error)
}

// BlockSource reports the block the source currently reads at.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}
