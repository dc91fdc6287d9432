package market

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/borrowbot/types"
)

type marketKey struct {
	platform types.Platform
	asset    common.Address
}

// Static is an in-memory market that serves as data source, oracle and block
// source. It backs fixtures, the simulator and tests.
type Static struct {
	mu      sync.RWMutex
	block   uint64
	markets map[marketKey]*types.MarketSnapshot
	prices  map[common.Address]*big.Int
	assets  map[common.Address]types.Asset
}

func NewStatic(block uint64) *Static {
	return &Static{
		block:   block,
		markets: make(map[marketKey]*types.MarketSnapshot),
		prices:  make(map[common.Address]*big.Int),
		assets:  make(map[common.Address]types.Asset),
	}
}

// SetMarket stores a copy of the snapshot. Its price becomes the oracle price
// of the asset when it is set.
func (s *Static) SetMarket(snap *types.MarketSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := snap.Clone()
	s.markets[marketKey{clone.Platform, clone.Asset.Address}] = clone
	s.assets[clone.Asset.Address] = clone.Asset
	if clone.PriceUSD.Sign() > 0 {
		s.prices[clone.Asset.Address] = new(big.Int).Set(clone.PriceUSD)
	}
}

// Update mutates a stored market in place.
func (s *Static) Update(platform types.Platform, asset common.Address, fn func(*types.MarketSnapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.markets[marketKey{platform, asset}]
	if !ok {
		return fmt.Errorf("%w: %s on %s", types.ErrMarketNotListed, asset.Hex(), platform)
	}
	fn(snap)
	return nil
}

// SetPrice overrides the oracle price of an asset.
func (s *Static) SetPrice(asset types.Asset, price *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[asset.Address] = new(big.Int).Set(price)
	if _, ok := s.assets[asset.Address]; !ok {
		s.assets[asset.Address] = asset
	}
}

// AdvanceBlocks moves the block number forward.
func (s *Static) AdvanceBlocks(n uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block += n
	return s.block
}

func (s *Static) BlockNumber(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.block, nil
}

func (s *Static) Snapshot(ctx context.Context, platform types.Platform, asset types.Asset) (*types.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSourceUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.markets[marketKey{platform, asset.Address}]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", types.ErrMarketNotListed, asset, platform)
	}
	out := snap.Clone()
	out.BlockNumber = s.block
	if price, ok := s.prices[asset.Address]; ok {
		out.PriceUSD = new(big.Int).Set(price)
	}
	return out, nil
}

func (s *Static) Price(ctx context.Context, asset types.Asset) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSourceUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.prices[asset.Address]
	if !ok {
		return nil, fmt.Errorf("%w: no price for %s", types.ErrSourceUnavailable, asset)
	}
	return new(big.Int).Set(price), nil
}

// Asset looks up a known asset by address
func (s *Static) Asset(addr common.Address) (types.Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[addr]
	return a, ok
}

// Markets lists the assets listed on a platform, sorted by address.
func (s *Static) Markets(platform types.Platform) []types.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Asset
	for k, snap := range s.markets {
		if k.platform == platform {
			out = append(out, snap.Asset)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}

// Platforms lists the platforms with at least one market, sorted.
func (s *Static) Platforms() []types.Platform {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[types.Platform]struct{})
	for k := range s.markets {
		seen[k.platform] = struct{}{}
	}
	out := make([]types.Platform, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
