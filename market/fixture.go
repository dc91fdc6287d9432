package market

import (
	"context"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"

	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

// Fixture is the YAML description of a set of markets. Token amounts are in
// whole tokens, ratios and per-block rates are plain decimals.
type Fixture struct {
	Block     uint64            `yaml:"block"`
	Assets    []AssetFixture    `yaml:"assets"`
	Platforms []PlatformFixture `yaml:"platforms"`
}

type AssetFixture struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
	Price    string `yaml:"price"`
}

type PlatformFixture struct {
	Name          string          `yaml:"name"`
	BlocksPerYear uint64          `yaml:"blocks_per_year"`
	Markets       []MarketFixture `yaml:"markets"`
}

type MarketFixture struct {
	Asset                string `yaml:"asset"`
	Cash                 string `yaml:"cash"`
	TotalBorrows         string `yaml:"total_borrows"`
	TotalReserves        string `yaml:"total_reserves"`
	TotalSupply          string `yaml:"total_supply"`
	CollateralFactor     string `yaml:"collateral_factor"`
	LiquidationThreshold string `yaml:"liquidation_threshold"`
	ReserveFactor        string `yaml:"reserve_factor"`
	BorrowCap            string `yaml:"borrow_cap"`
	SupplyCap            string `yaml:"supply_cap"`
	BorrowRatePerBlock   string `yaml:"borrow_rate_per_block"`
	SupplyRatePerBlock   string `yaml:"supply_rate_per_block"`
	SupplyRewardPerBlock string `yaml:"supply_reward_per_block"`
	BorrowRewardPerBlock string `yaml:"borrow_reward_per_block"`
	MintPaused           bool   `yaml:"mint_paused"`
	BorrowPaused         bool   `yaml:"borrow_paused"`
	Frozen               bool   `yaml:"frozen"`

	RateModel *RateModelFixture `yaml:"rate_model"`
}

// RateModelFixture holds kinked rate model parameters. AAVE platforms read
// them as annual rates, Compound forks as per-block rates.
type RateModelFixture struct {
	Base   string `yaml:"base"`
	Slope1 string `yaml:"slope1"`
	Slope2 string `yaml:"slope2"`
	Kink   string `yaml:"kink"`
}

// RateModel is a parsed kinked rate model, scaled by 1e18.
type RateModel struct {
	Base   *big.Int
	Slope1 *big.Int
	Slope2 *big.Int
	Kink   *big.Int
}

// Loaded is the result of applying a fixture.
type Loaded struct {
	Static        *Static
	Assets        map[string]types.Asset
	RateModels    map[types.Platform]map[common.Address]RateModel
	BlocksPerYear map[types.Platform]uint64
}

// AssetBySymbol looks up a fixture asset
func (l *Loaded) AssetBySymbol(symbol string) (types.Asset, error) {
	a, ok := l.Assets[symbol]
	if !ok {
		return types.Asset{}, fmt.Errorf("unknown asset %q", symbol)
	}
	return a, nil
}

// LoadFixture reads and parses a YAML fixture file.
func LoadFixture(path string) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture parses YAML fixture bytes into an in-memory market.
func ParseFixture(data []byte) (*Loaded, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}

	loaded := &Loaded{
		Static:        NewStatic(fx.Block),
		Assets:        make(map[string]types.Asset),
		RateModels:    make(map[types.Platform]map[common.Address]RateModel),
		BlocksPerYear: make(map[types.Platform]uint64),
	}

	for _, af := range fx.Assets {
		if !common.IsHexAddress(af.Address) {
			return nil, fmt.Errorf("asset %s: invalid address %q", af.Symbol, af.Address)
		}
		asset := types.Asset{Address: common.HexToAddress(af.Address), Symbol: af.Symbol, Decimals: af.Decimals}
		price, err := bmath.ParseWad(af.Price)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", af.Symbol, err)
		}
		loaded.Assets[af.Symbol] = asset
		if price.Sign() > 0 {
			loaded.Static.SetPrice(asset, price)
		}
	}

	for _, pf := range fx.Platforms {
		platform := types.Platform(pf.Name)
		if pf.BlocksPerYear > 0 {
			loaded.BlocksPerYear[platform] = pf.BlocksPerYear
		}
		for _, mf := range pf.Markets {
			asset, err := loaded.AssetBySymbol(mf.Asset)
			if err != nil {
				return nil, fmt.Errorf("platform %s: %w", pf.Name, err)
			}
			snap, err := mf.snapshot(platform, asset)
			if err != nil {
				return nil, fmt.Errorf("platform %s market %s: %w", pf.Name, mf.Asset, err)
			}
			if price, err := loaded.Static.Price(context.Background(), asset); err == nil {
				snap.PriceUSD = price
			}
			loaded.Static.SetMarket(snap)

			if mf.RateModel != nil {
				model, err := mf.RateModel.parse()
				if err != nil {
					return nil, fmt.Errorf("platform %s market %s rate model: %w", pf.Name, mf.Asset, err)
				}
				if loaded.RateModels[platform] == nil {
					loaded.RateModels[platform] = make(map[common.Address]RateModel)
				}
				loaded.RateModels[platform][asset.Address] = model
			}
		}
	}
	return loaded, nil
}

func (mf MarketFixture) snapshot(platform types.Platform, asset types.Asset) (*types.MarketSnapshot, error) {
	p := parser{}
	snap := &types.MarketSnapshot{
		Platform:                 platform,
		Asset:                    asset,
		Cash:                     p.units(mf.Cash, asset.Decimals),
		TotalBorrows:             p.units(mf.TotalBorrows, asset.Decimals),
		TotalReserves:            p.units(mf.TotalReserves, asset.Decimals),
		TotalSupply:              p.units(mf.TotalSupply, asset.Decimals),
		CollateralFactor:         p.wad(mf.CollateralFactor),
		LiquidationThreshold:     p.wad(mf.LiquidationThreshold),
		ReserveFactor:            p.wad(mf.ReserveFactor),
		BorrowRatePerBlock:       p.wad(mf.BorrowRatePerBlock),
		SupplyRatePerBlock:       p.wad(mf.SupplyRatePerBlock),
		SupplyRewardRatePerBlock: p.wad(mf.SupplyRewardPerBlock),
		BorrowRewardRatePerBlock: p.wad(mf.BorrowRewardPerBlock),
		MintPaused:               mf.MintPaused,
		BorrowPaused:             mf.BorrowPaused,
		Frozen:                   mf.Frozen,
	}
	// AAVE v3 reports caps in whole tokens
	capDecimals := asset.Decimals
	if platform == types.PlatformAaveV3 {
		capDecimals = 0
	}
	snap.BorrowCap = p.units(mf.BorrowCap, capDecimals)
	snap.SupplyCap = p.units(mf.SupplyCap, capDecimals)
	if p.err != nil {
		return nil, p.err
	}
	return snap, nil
}

func (rf RateModelFixture) parse() (RateModel, error) {
	p := parser{}
	model := RateModel{
		Base:   p.wad(rf.Base),
		Slope1: p.wad(rf.Slope1),
		Slope2: p.wad(rf.Slope2),
		Kink:   p.wad(rf.Kink),
	}
	return model, p.err
}

// parser keeps the first error so field lists stay flat.
type parser struct {
	err error
}

func (p *parser) units(s string, decimals uint8) *big.Int {
	if p.err != nil {
		return new(big.Int)
	}
	v, err := bmath.ParseUnits(s, decimals)
	if err != nil {
		p.err = err
		return new(big.Int)
	}
	return v
}

func (p *parser) wad(s string) *big.Int {
	return p.units(s, bmath.WadDecimals)
}
