package governance

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/borrowbot/health"
	"github.com/michaelpento.lv/borrowbot/types"
)

var (
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

func newConfig(t *testing.T, pairs []types.AssetPair) *Config {
	cfg, err := New(types.HealthFactorBounds{Min: 105, Target: 120, Max: 150}, health.DefaultThresholds(), pairs, zaptest.NewLogger(t))
	require.NoError(t, err)
	return cfg
}

func TestNewRejectsInvalidBounds(t *testing.T) {
	_, err := New(types.HealthFactorBounds{Min: 130, Target: 120}, health.DefaultThresholds(), nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = New(types.HealthFactorBounds{Min: 105, Target: 150, Max: 150}, health.DefaultThresholds(), nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestWhitelist(t *testing.T) {
	cfg := newConfig(t, nil)
	pair := types.AssetPair{Collateral: usdc, Borrow: weth}
	assert.True(t, cfg.Snapshot().PairAllowed(pair))

	cfg.SetWhitelist([]types.AssetPair{{Collateral: weth, Borrow: usdc}})
	assert.False(t, cfg.Snapshot().PairAllowed(pair))
	assert.True(t, cfg.Snapshot().PairAllowed(types.AssetPair{Collateral: weth, Borrow: usdc}))

	cfg.AllowPair(pair)
	assert.True(t, cfg.Snapshot().PairAllowed(pair))
	assert.Len(t, cfg.Snapshot().Whitelist(), 2)

	// empty non-nil whitelist allows nothing
	cfg.SetWhitelist([]types.AssetPair{})
	assert.False(t, cfg.Snapshot().PairAllowed(pair))
}

func TestSnapshotsAreImmutable(t *testing.T) {
	cfg := newConfig(t, nil)
	before := cfg.Snapshot()

	require.NoError(t, cfg.SetBounds(types.HealthFactorBounds{Min: 110, Target: 130, Max: 0}))
	after := cfg.Snapshot()

	assert.Equal(t, uint64(105), before.Bounds.Min)
	assert.Equal(t, uint64(110), after.Bounds.Min)
	assert.Equal(t, before.Version+1, after.Version)

	assert.Error(t, cfg.SetBounds(types.HealthFactorBounds{Min: 90, Target: 130}))
	assert.Equal(t, after.Version, cfg.Snapshot().Version)
}

func TestSetThresholds(t *testing.T) {
	cfg := newConfig(t, nil)
	require.NoError(t, cfg.SetThresholds(health.Thresholds{Unhealthy: 1_000, TooHealthy: 20_000}))
	assert.Equal(t, uint64(20_000), cfg.Snapshot().Thresholds.TooHealthy)
	assert.ErrorIs(t, cfg.SetThresholds(health.Thresholds{TooHealthy: 200_000}), types.ErrInvalidInput)
}

func TestConcurrentUpdates(t *testing.T) {
	cfg := newConfig(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = cfg.SetThresholds(health.DefaultThresholds())
		}()
		go func() {
			defer wg.Done()
			_ = cfg.Snapshot().PairAllowed(types.AssetPair{})
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(51), cfg.Snapshot().Version)
}
