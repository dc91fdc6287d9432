package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelpento.lv/borrowbot/manager"
	"github.com/michaelpento.lv/borrowbot/types"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ValidateConfig())
	assert.Equal(t, types.HealthFactorBounds{Min: 105, Target: 120, Max: 150}, cfg.Bounds())
	assert.Equal(t, uint64(50_000), cfg.Thresholds().TooHealthy)
	assert.Nil(t, cfg.Pairs())

	mc := cfg.ManagerConfig()
	assert.Equal(t, manager.FirstNonEmpty, mc.Policy)
	assert.Equal(t, 5*time.Second, mc.CallTimeout)
	assert.Equal(t, 1024, cfg.CacheConfig().Size)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthFactor = HealthFactorConfig{Min: 120, Target: 110}
	cfg.Rebalance.TooHealthyThreshold = 200_000
	cfg.SelectionPolicy = "auction"
	cfg.CallTimeout = 0
	cfg.SnapshotCacheSize = 0
	cfg.Whitelist = []PairConfig{{Collateral: common.HexToAddress("0x01"), Borrow: common.HexToAddress("0x01")}}
	cfg.MetricsNamespace = ""

	err := cfg.ValidateConfig()
	require.Error(t, err)
	for _, want := range []string{
		"health factor error",
		"too_healthy_threshold",
		"unknown selection policy",
		"call_timeout",
		"snapshot_cache_size",
		"whitelist[0]",
		"metrics_namespace",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestMetricsAndMonitorConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"metrics_namespace": "lending",
		"log_metrics": true,
		"rebalance": {"too_healthy_threshold": 40000, "use_collateral": true}
	}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	mc := cfg.MetricsConfig()
	assert.Equal(t, "lending", mc.Namespace)
	assert.True(t, mc.LogMetrics)

	mon := cfg.MonitorConfig()
	assert.Equal(t, "lending", mon.Namespace)
	assert.True(t, mon.UseCollateral)
	assert.Zero(t, mon.Interval)
	assert.Equal(t, uint64(40_000), cfg.Thresholds().TooHealthy)

	assert.False(t, DefaultConfig().MetricsConfig().LogMetrics)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "borrowbot.json")
	cfg := DefaultConfig()
	cfg.SelectionPolicy = string(manager.BestRate)
	cfg.HealthFactor.Target = 130
	cfg.DebtGapRequired = true
	cfg.Whitelist = []PairConfig{{
		Collateral: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
		Borrow:     common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
	}}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(130), loaded.Bounds().Target)
	assert.Equal(t, manager.BestRate, loaded.ManagerConfig().Policy)
	assert.True(t, loaded.DebtGapRequired)
	require.Len(t, loaded.Pairs(), 1)
	assert.Equal(t, cfg.Whitelist[0].Borrow, loaded.Pairs()[0].Borrow)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"reconcile_tolerance_bps": 25}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), cfg.ReconcileToleranceBps)
	assert.Equal(t, uint64(105), cfg.HealthFactor.Min)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvLedgerDSN, filepath.Join(dir, "ledger.db"))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ledger.db"), cfg.LedgerDSN)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BORROWBOT_MARKETS=fixtures/markets.yaml\n"), 0o600))
	t.Setenv(EnvMarketsFile, "")
	os.Unsetenv(EnvMarketsFile)

	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "fixtures/markets.yaml", GetEnvWithDefault(EnvMarketsFile, ""))

	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "missing.env")))
}
