// Package governance holds the runtime-adjustable policy: health factor
// bounds, rebalance thresholds and the asset pair whitelist. Readers get an
// immutable versioned snapshot; writers publish a new one.
package governance

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/michaelpento.lv/borrowbot/health"
	"github.com/michaelpento.lv/borrowbot/types"
)

// Source provides the current policy snapshot.
type Source interface {
	Snapshot() *Snapshot
}

// Snapshot is one immutable version of the policy.
type Snapshot struct {
	Version    uint64
	Bounds     types.HealthFactorBounds
	Thresholds health.Thresholds
	// nil whitelist allows every pair
	whitelist map[types.AssetPair]struct{}
}

// PairAllowed reports whether plans may be produced for the pair.
func (s *Snapshot) PairAllowed(pair types.AssetPair) bool {
	if s.whitelist == nil {
		return true
	}
	_, ok := s.whitelist[pair]
	return ok
}

// Whitelist returns the allowed pairs, nil when every pair is allowed.
func (s *Snapshot) Whitelist() []types.AssetPair {
	if s.whitelist == nil {
		return nil
	}
	pairs := make([]types.AssetPair, 0, len(s.whitelist))
	for p := range s.whitelist {
		pairs = append(pairs, p)
	}
	return pairs
}

// Config is the mutable holder of the policy.
type Config struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	logger  *zap.Logger
}

// New validates the initial policy. A nil pairs slice allows every pair.
func New(bounds types.HealthFactorBounds, thresholds health.Thresholds, pairs []types.AssetPair, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	c := &Config{logger: logger}
	c.current.Store(&Snapshot{
		Version:    1,
		Bounds:     bounds,
		Thresholds: thresholds,
		whitelist:  toSet(pairs),
	})
	return c, nil
}

func (c *Config) Snapshot() *Snapshot {
	return c.current.Load()
}

// SetBounds publishes new health factor bounds.
func (c *Config) SetBounds(bounds types.HealthFactorBounds) error {
	if err := bounds.Validate(); err != nil {
		return err
	}
	snap := c.update(func(s *Snapshot) { s.Bounds = bounds })
	c.logger.Info("Health factor bounds updated",
		zap.Uint64("version", snap.Version),
		zap.Uint64("min", bounds.Min),
		zap.Uint64("target", bounds.Target),
		zap.Uint64("max", bounds.Max))
	return nil
}

// SetThresholds publishes new rebalance thresholds.
func (c *Config) SetThresholds(th health.Thresholds) error {
	if th.Unhealthy > health.ThresholdDenominator || th.TooHealthy > health.ThresholdDenominator {
		return fmt.Errorf("%w: thresholds must not exceed %d", types.ErrInvalidInput, health.ThresholdDenominator)
	}
	snap := c.update(func(s *Snapshot) { s.Thresholds = th })
	c.logger.Info("Rebalance thresholds updated",
		zap.Uint64("version", snap.Version),
		zap.Uint64("unhealthy", th.Unhealthy),
		zap.Uint64("too_healthy", th.TooHealthy))
	return nil
}

// SetWhitelist replaces the allowed pairs. nil allows every pair.
func (c *Config) SetWhitelist(pairs []types.AssetPair) {
	snap := c.update(func(s *Snapshot) { s.whitelist = toSet(pairs) })
	c.logger.Info("Pair whitelist updated",
		zap.Uint64("version", snap.Version),
		zap.Int("pairs", len(pairs)),
		zap.Bool("all_allowed", pairs == nil))
}

// AllowPair adds one pair to an existing whitelist.
func (c *Config) AllowPair(pair types.AssetPair) {
	c.update(func(s *Snapshot) {
		if s.whitelist == nil {
			return
		}
		next := make(map[types.AssetPair]struct{}, len(s.whitelist)+1)
		for p := range s.whitelist {
			next[p] = struct{}{}
		}
		next[pair] = struct{}{}
		s.whitelist = next
	})
}

func (c *Config) update(fn func(*Snapshot)) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := *c.current.Load()
	fn(&next)
	next.Version++
	c.current.Store(&next)
	return &next
}

func toSet(pairs []types.AssetPair) map[types.AssetPair]struct{} {
	if pairs == nil {
		return nil
	}
	set := make(map[types.AssetPair]struct{}, len(pairs))
	for _, p := range pairs {
		set[p] = struct{}{}
	}
	return set
}
