package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/michaelpento.lv/borrowbot/types"
	"github.com/michaelpento.lv/borrowbot/utils/metrics"
)

type CacheConfig struct {
	Size              int
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size:              1024,
		RequestsPerSecond: 50,
		Burst:             20,
		Timeout:           5 * time.Second,
	}
}

type snapshotCacheKey struct {
	platform types.Platform
	asset    common.Address
	block    uint64
}

type priceCacheKey struct {
	asset common.Address
	block uint64
}

// Cached wraps a data source and an oracle with a per-block memo, a request
// rate limit and a per-call timeout. Reads are memoized only when the source
// also reports its block number.
type Cached struct {
	source  DataSource
	oracle  PriceOracle
	blocks  BlockSource
	cache   *lru.Cache
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.MarketMetrics
}

func NewCached(source DataSource, oracle PriceOracle, cfg CacheConfig, logger *zap.Logger, m *metrics.MarketMetrics) (*Cached, error) {
	if source == nil {
		return nil, fmt.Errorf("data source is required")
	}
	if oracle == nil {
		return nil, fmt.Errorf("price oracle is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultCacheConfig().Size
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCacheConfig().Timeout
	}
	cache, err := lru.New(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	if m == nil {
		m = metrics.NewMarketMetrics("borrowbot", nil)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Cached{
		source:  source,
		oracle:  oracle,
		cache:   cache,
		limiter: rate.NewLimiter(limit, burst),
		timeout: cfg.Timeout,
		logger:  logger,
		metrics: m,
	}
	if bs, ok := source.(BlockSource); ok {
		c.blocks = bs
	}
	return c, nil
}

func (c *Cached) BlockNumber(ctx context.Context) (uint64, error) {
	if c.blocks == nil {
		return 0, fmt.Errorf("%w: source does not report blocks", types.ErrSourceUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.blocks.BlockNumber(ctx)
}

func (c *Cached) Snapshot(ctx context.Context, platform types.Platform, asset types.Asset) (*types.MarketSnapshot, error) {
	block, memo := c.currentBlock(ctx)
	key := snapshotCacheKey{platform: platform, asset: asset.Address, block: block}
	if memo {
		if v, ok := c.cache.Get(key); ok {
			c.metrics.CacheHits.Inc()
			return v.(*types.MarketSnapshot).Clone(), nil
		}
	}
	c.metrics.CacheMisses.Inc()

	var snap *types.MarketSnapshot
	err := c.call(ctx, "snapshot", func(ctx context.Context) error {
		var err error
		snap, err = c.source.Snapshot(ctx, platform, asset)
		return err
	})
	if err != nil {
		return nil, err
	}
	if memo {
		c.cache.Add(key, snap.Clone())
	}
	return snap, nil
}

func (c *Cached) Price(ctx context.Context, asset types.Asset) (*big.Int, error) {
	block, memo := c.currentBlock(ctx)
	key := priceCacheKey{asset: asset.Address, block: block}
	if memo {
		if v, ok := c.cache.Get(key); ok {
			c.metrics.CacheHits.Inc()
			return new(big.Int).Set(v.(*big.Int)), nil
		}
	}
	c.metrics.CacheMisses.Inc()

	var price *big.Int
	err := c.call(ctx, "price", func(ctx context.Context) error {
		var err error
		price, err = c.oracle.Price(ctx, asset)
		return err
	})
	if err != nil {
		return nil, err
	}
	if memo {
		c.cache.Add(key, new(big.Int).Set(price))
	}
	return price, nil
}

// Purge drops every memoized read.
func (c *Cached) Purge() {
	c.cache.Purge()
}

func (c *Cached) currentBlock(ctx context.Context) (uint64, bool) {
	if c.blocks == nil {
		return 0, false
	}
	block, err := c.BlockNumber(ctx)
	if err != nil {
		c.logger.Debug("Block number unavailable, bypassing cache", zap.Error(err))
		return 0, false
	}
	return block, true
}

func (c *Cached) call(ctx context.Context, kind string, fn func(context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.Errors.Inc()
		return fmt.Errorf("%w: rate limiter: %v", types.ErrSourceUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	c.metrics.Latency.Observe(time.Since(start).Seconds())
	c.metrics.Fetches.WithLabelValues(kind).Inc()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrMarketNotListed), errors.Is(err, types.ErrSourceUnavailable):
		c.metrics.Errors.Inc()
		return err
	default:
		c.metrics.Errors.Inc()
		return fmt.Errorf("%w: %v", types.ErrSourceUnavailable, err)
	}
}
