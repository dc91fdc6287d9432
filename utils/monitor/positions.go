// Package monitor periodically checks open positions and rebalances those
// whose health factor drifted from target.
package monitor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/borrowbot/health"
	"github.com/michaelpento.lv/borrowbot/types"
	bmath "github.com/michaelpento.lv/borrowbot/utils/math"
)

// Rebalancer is the part of the position manager the monitor drives.
type Rebalancer interface {
	OpenPositions() []types.Position
	Rebalance(ctx context.Context, key types.PositionKey, useCollateral bool) (health.RebalanceAction, error)
}

type Config struct {
	Interval      time.Duration
	UseCollateral bool
	Namespace     string
}

// PositionMonitor runs a rebalance pass over every open position on each tick.
type PositionMonitor struct {
	ctx        context.Context
	cancel     context.CancelFunc
	rebalancer Rebalancer
	cfg        Config
	logger     *zap.Logger
	metrics    struct {
		passes        prometheus.Counter
		errors        *prometheus.CounterVec
		actions       *prometheus.CounterVec
		openPositions prometheus.Gauge
		healthFactor  *prometheus.GaugeVec
		lastPass      prometheus.Gauge
	}

	mu   sync.Mutex
	last PassResult
	wg   sync.WaitGroup
}

// PassResult summarizes one monitoring pass.
type PassResult struct {
	Checked    int
	Rebalanced int
	Failed     int
	At         time.Time
}

// NewPositionMonitor creates the monitor and starts its loop. A zero interval
// disables the loop; passes can still be triggered with RunOnce.
func NewPositionMonitor(ctx context.Context, r Rebalancer, cfg Config, logger *zap.Logger, reg prometheus.Registerer) (*PositionMonitor, error) {
	if r == nil {
		return nil, errors.New("rebalancer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &PositionMonitor{
		ctx:        ctx,
		cancel:     cancel,
		rebalancer: r,
		cfg:        cfg,
		logger:     logger.Named("monitor"),
	}

	factory := promauto.With(reg)
	m.metrics.passes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "monitor",
		Name:      "passes_total",
		Help:      "Total number of monitoring passes",
	})
	m.metrics.errors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "monitor",
		Name:      "errors_total",
		Help:      "Total number of failed position checks",
	}, []string{"platform"})
	m.metrics.actions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Subsystem: "monitor",
		Name:      "actions_total",
		Help:      "Rebalance outcomes per position check",
	}, []string{"kind"})
	m.metrics.openPositions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "monitor",
		Name:      "open_positions",
		Help:      "Open positions seen by the last pass",
	})
	m.metrics.healthFactor = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "monitor",
		Name:      "health_factor",
		Help:      "Health factor read from the protocol before rebalancing",
	}, []string{"position"})
	m.metrics.lastPass = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "monitor",
		Name:      "last_pass_timestamp_seconds",
		Help:      "Unix time of the last completed pass",
	})

	if cfg.Interval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.monitor()
		}()
	}

	return m, nil
}

func (m *PositionMonitor) monitor() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			res := m.RunOnce(m.ctx)
			if res.Failed > 0 {
				m.logger.Warn("Monitoring pass had failures",
					zap.Int("checked", res.Checked),
					zap.Int("failed", res.Failed))
			}
		}
	}
}

// RunOnce checks every open position once. Failures are logged per position
// and do not stop the pass.
func (m *PositionMonitor) RunOnce(ctx context.Context) PassResult {
	positions := m.rebalancer.OpenPositions()
	m.metrics.openPositions.Set(float64(len(positions)))

	res := PassResult{Checked: len(positions)}
	for _, pos := range positions {
		if ctx.Err() != nil {
			break
		}
		action, err := m.rebalancer.Rebalance(ctx, pos.Key, m.cfg.UseCollateral)
		if err != nil {
			res.Failed++
			m.metrics.errors.WithLabelValues(string(pos.Key.Platform)).Inc()
			level := m.logger.Warn
			if errors.Is(err, types.ErrLedgerInconsistency) {
				level = m.logger.Error
			}
			level("Position check failed", zap.Stringer("position", pos.Key), zap.Error(err))
			continue
		}
		if hf, ok := healthFactorFloat(action.Current); ok {
			m.metrics.healthFactor.WithLabelValues(pos.Key.String()).Set(hf)
		}
		m.metrics.actions.WithLabelValues(action.Kind.String()).Inc()
		if !action.IsNone() {
			res.Rebalanced++
			m.logger.Info("Position rebalanced",
				zap.Stringer("position", pos.Key),
				zap.Stringer("kind", action.Kind),
				zap.String("amount", action.Amount.String()))
		}
	}

	res.At = time.Now()
	m.metrics.passes.Inc()
	m.metrics.lastPass.Set(float64(res.At.Unix()))

	m.mu.Lock()
	m.last = res
	m.mu.Unlock()
	return res
}

// LastPass returns the result of the most recent pass.
func (m *PositionMonitor) LastPass() PassResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Cleanup stops the loop and waits for an in-flight pass to finish.
func (m *PositionMonitor) Cleanup() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

func healthFactorFloat(hf *big.Int) (float64, bool) {
	if hf == nil || bmath.IsMaxUint256(hf) {
		return 0, false
	}
	return decimal.NewFromBigInt(hf, -bmath.WadDecimals).InexactFloat64(), true
}
