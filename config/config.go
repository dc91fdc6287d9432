package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/borrowbot/health"
	"github.com/michaelpento.lv/borrowbot/manager"
	"github.com/michaelpento.lv/borrowbot/market"
	"github.com/michaelpento.lv/borrowbot/types"
	"github.com/michaelpento.lv/borrowbot/utils/metrics"
	"github.com/michaelpento.lv/borrowbot/utils/monitor"
)

const defaultConfigName = ".borrowbot.json"

type Config struct {
	// Position policy
	HealthFactor HealthFactorConfig `json:"health_factor"`
	Rebalance    RebalanceConfig    `json:"rebalance"`
	Whitelist    []PairConfig       `json:"whitelist"`

	// Manager settings
	SelectionPolicy          string        `json:"selection_policy"`
	RevalidationToleranceBps uint64        `json:"revalidation_tolerance_bps"`
	ReconcileToleranceBps    uint64        `json:"reconcile_tolerance_bps"`
	CallTimeout              time.Duration `json:"call_timeout"`

	// Market data
	MarketsFile       string          `json:"markets_file"`
	MarketRateLimit   RateLimitConfig `json:"market_rate_limit"`
	SnapshotCacheSize int             `json:"snapshot_cache_size"`

	// Ledger journal, empty keeps the ledger in memory
	LedgerDSN string `json:"ledger_dsn"`

	// DebtGapRequired makes full repays overshoot by the debt gap
	DebtGapRequired bool `json:"debt_gap_required"`

	// Metrics
	MetricsNamespace string `json:"metrics_namespace"`
	LogMetrics       bool   `json:"log_metrics"`

	// Internal components
	Logger *zap.Logger `json:"-"`
}

// HealthFactorConfig holds bounds scaled by 1e2 (120 = 1.20). Max 0 means no upper bound.
type HealthFactorConfig struct {
	Min    uint64 `json:"min"`
	Target uint64 `json:"target"`
	Max    uint64 `json:"max"`
}

// RebalanceConfig holds deviation thresholds scaled by 1e5.
type RebalanceConfig struct {
	UnhealthyThreshold  uint64 `json:"unhealthy_threshold"`
	TooHealthyThreshold uint64 `json:"too_healthy_threshold"`
	UseCollateral       bool   `json:"use_collateral"`
}

type PairConfig struct {
	Collateral common.Address `json:"collateral"`
	Borrow     common.Address `json:"borrow"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `json:"requests_per_second"`
	BurstSize         int           `json:"burst_size"`
	WaitTimeout       time.Duration `json:"wait_timeout"`
}

func (c *Config) ValidateConfig() error {
	var errors []string

	if err := c.Bounds().Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("health factor error: %v", err))
	}
	if c.Rebalance.UnhealthyThreshold > health.ThresholdDenominator {
		errors = append(errors, "unhealthy_threshold must not exceed 100000")
	}
	if c.Rebalance.TooHealthyThreshold > health.ThresholdDenominator {
		errors = append(errors, "too_healthy_threshold must not exceed 100000")
	}
	for i, p := range c.Whitelist {
		switch {
		case p.Collateral == (common.Address{}) || p.Borrow == (common.Address{}):
			errors = append(errors, fmt.Sprintf("whitelist[%d]: assets must be specified", i))
		case p.Collateral == p.Borrow:
			errors = append(errors, fmt.Sprintf("whitelist[%d]: collateral and borrow asset must differ", i))
		}
	}

	if _, err := manager.ParseSelectionPolicy(c.SelectionPolicy); err != nil {
		errors = append(errors, err.Error())
	}
	if c.RevalidationToleranceBps > 10_000 {
		errors = append(errors, "revalidation_tolerance_bps must not exceed 10000")
	}
	if c.ReconcileToleranceBps > 10_000 {
		errors = append(errors, "reconcile_tolerance_bps must not exceed 10000")
	}
	if c.CallTimeout <= 0 {
		errors = append(errors, "call_timeout must be positive")
	}

	if err := c.MarketRateLimit.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("market rate limit error: %v", err))
	}
	if c.SnapshotCacheSize <= 0 {
		errors = append(errors, "snapshot_cache_size must be positive")
	}
	if c.MetricsNamespace == "" {
		errors = append(errors, "metrics_namespace must be specified")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	if r.BurstSize <= 0 {
		return fmt.Errorf("burst size must be positive")
	}
	if r.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive")
	}

	return nil
}

// Bounds returns the configured health factor bounds
func (c *Config) Bounds() types.HealthFactorBounds {
	return types.HealthFactorBounds{Min: c.HealthFactor.Min, Target: c.HealthFactor.Target, Max: c.HealthFactor.Max}
}

func (c *Config) Thresholds() health.Thresholds {
	return health.Thresholds{Unhealthy: c.Rebalance.UnhealthyThreshold, TooHealthy: c.Rebalance.TooHealthyThreshold}
}

// Pairs returns the whitelisted pairs, nil when every pair is allowed.
func (c *Config) Pairs() []types.AssetPair {
	if len(c.Whitelist) == 0 {
		return nil
	}
	pairs := make([]types.AssetPair, 0, len(c.Whitelist))
	for _, p := range c.Whitelist {
		pairs = append(pairs, types.AssetPair{Collateral: p.Collateral, Borrow: p.Borrow})
	}
	return pairs
}

// ManagerConfig assumes a validated configuration.
func (c *Config) ManagerConfig() manager.Config {
	policy, _ := manager.ParseSelectionPolicy(c.SelectionPolicy)
	return manager.Config{
		Policy:                   policy,
		RevalidationToleranceBps: c.RevalidationToleranceBps,
		ReconcileToleranceBps:    c.ReconcileToleranceBps,
		CallTimeout:              c.CallTimeout,
	}
}

func (c *Config) CacheConfig() market.CacheConfig {
	return market.CacheConfig{
		Size:              c.SnapshotCacheSize,
		RequestsPerSecond: c.MarketRateLimit.RequestsPerSecond,
		Burst:             c.MarketRateLimit.BurstSize,
		Timeout:           c.MarketRateLimit.WaitTimeout,
	}
}

func (c *Config) MetricsConfig() *metrics.MetricsConfig {
	return &metrics.MetricsConfig{
		Namespace:  c.MetricsNamespace,
		LogMetrics: c.LogMetrics,
	}
}

// MonitorConfig has no interval, callers drive passes with RunOnce.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		UseCollateral: c.Rebalance.UseCollateral,
		Namespace:     c.MetricsNamespace,
	}
}

func defaultPath() (string, error) {
	if path := GetEnvWithDefault(EnvConfigPath, ""); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, defaultConfigName), nil
}

// LoadConfig reads a JSON config over the defaults, applies environment
// overrides and validates the result.
func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		path, err := defaultPath()
		if err != nil {
			return nil, err
		}
		cfgFile = path
	}

	file, err := os.Open(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	config := DefaultConfig()
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	ApplyEnv(config)

	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}

	return config, nil
}

func SaveConfig(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		path, err := defaultPath()
		if err != nil {
			return err
		}
		cfgFile = path
	}

	file, err := os.Create(cfgFile)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "    ")
	return encoder.Encode(cfg)
}

func DefaultConfig() *Config {
	return &Config{
		Logger: zap.NewNop(),
		HealthFactor: HealthFactorConfig{
			Min:    105,
			Target: 120,
			Max:    150,
		},
		Rebalance: RebalanceConfig{
			UnhealthyThreshold:  0,
			TooHealthyThreshold: 50_000,
		},
		SelectionPolicy:          string(manager.FirstNonEmpty),
		RevalidationToleranceBps: 50,
		ReconcileToleranceBps:    10,
		CallTimeout:              5 * time.Second,
		MarketRateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			BurstSize:         20,
			WaitTimeout:       5 * time.Second,
		},
		SnapshotCacheSize: 1024,
		MetricsNamespace:  "borrowbot",
	}
}
