// Package testutils builds in-memory markets and policies for tests.
package testutils

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/borrowbot/governance"
	"github.com/michaelpento.lv/borrowbot/health"
	"github.com/michaelpento.lv/borrowbot/market"
	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

var (
	USDC = types.Asset{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Decimals: 6}
	WETH = types.Asset{Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Symbol: "WETH", Decimals: 18}
	DAI  = types.Asset{Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Symbol: "DAI", Decimals: 18}

	User = common.HexToAddress("0x1234567890123456789012345678901234567890")
)

// Tokens returns n whole tokens in smallest units
func Tokens(n int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), bmath.Pow10(decimals))
}

// Wad returns num/den scaled by 1e18
func Wad(num, den int64) *big.Int {
	return bmath.MulDiv(big.NewInt(num), bmath.Wad(), big.NewInt(den))
}

// Price returns the default USD price of a test asset.
func Price(asset types.Asset) *big.Int {
	if asset.Equal(WETH) {
		return Tokens(2000, 18)
	}
	return bmath.Wad()
}

// Market returns a deep, uncapped market: one million tokens of cash,
// LTV 0.75 and liquidation threshold 0.80.
func Market(platform types.Platform, asset types.Asset) *types.MarketSnapshot {
	return &types.MarketSnapshot{
		Platform:             platform,
		Asset:                asset,
		PriceUSD:             Price(asset),
		Cash:                 Tokens(1_000_000, asset.Decimals),
		TotalBorrows:         new(big.Int),
		TotalReserves:        new(big.Int),
		TotalSupply:          Tokens(1_000_000, asset.Decimals),
		CollateralFactor:     Wad(75, 100),
		LiquidationThreshold: Wad(80, 100),
		BorrowCap:            new(big.Int),
		SupplyCap:            new(big.Int),
		ReserveFactor:        Wad(10, 100),
		BorrowRatePerBlock:   Wad(1, 100_000_000),
		SupplyRatePerBlock:   Wad(5, 1_000_000_000),
	}
}

// Static lists the default market of every asset on the platform.
func Static(platform types.Platform, assets ...types.Asset) *market.Static {
	s := market.NewStatic(100)
	for _, a := range assets {
		s.SetMarket(Market(platform, a))
	}
	return s
}

// Bounds are the default health factor bounds: 1.05 / 1.20 / 1.50.
func Bounds() types.HealthFactorBounds {
	return types.HealthFactorBounds{Min: 105, Target: 120, Max: 150}
}

// Governance returns a policy allowing every pair.
func Governance(t testing.TB) *governance.Config {
	cfg, err := governance.New(Bounds(), health.DefaultThresholds(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return cfg
}
