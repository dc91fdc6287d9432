package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	registry = prometheus.NewRegistry()
	logger   *zap.Logger
)

type MetricsConfig struct {
	Namespace  string
	LogMetrics bool
}

// Initialize installs the package registry as the default registerer.
func Initialize(cfg *MetricsConfig, log *zap.Logger) {
	logger = log
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	if cfg != nil && cfg.LogMetrics && logger != nil {
		logger.Info("Metrics initialized", zap.String("namespace", cfg.Namespace))
	}
}

// Registry returns the package registry
func Registry() *prometheus.Registry {
	return registry
}

// PlannerMetrics track plan computation per platform. A nil registerer
// creates unregistered collectors.
type PlannerMetrics struct {
	Requests   *prometheus.CounterVec
	EmptyPlans *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
}

func NewPlannerMetrics(namespace string, reg prometheus.Registerer) *PlannerMetrics {
	factory := promauto.With(reg)
	return &PlannerMetrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "requests_total",
			Help:      "Total number of plan requests",
		}, []string{"platform"}),
		EmptyPlans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "empty_plans_total",
			Help:      "Total number of requests answered with an empty plan",
		}, []string{"platform", "reason"}),
		Latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "latency_seconds",
			Help:      "Time taken to compute a plan",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"platform"}),
	}
}

// ManagerMetrics track position lifecycle operations.
type ManagerMetrics struct {
	Attempts         *prometheus.CounterVec
	Successes        *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	StaleQuotes      prometheus.Counter
	Rebalances       *prometheus.CounterVec
	OpenPositions    prometheus.Gauge
	SuccessRate      prometheus.Gauge
	ExecutionLatency prometheus.Histogram
}

func NewManagerMetrics(namespace string, reg prometheus.Registerer) *ManagerMetrics {
	factory := promauto.With(reg)
	return &ManagerMetrics{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "attempts_total",
			Help:      "Total number of position operations attempted",
		}, []string{"operation"}),
		Successes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "successes_total",
			Help:      "Total number of position operations completed",
		}, []string{"operation"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "failures_total",
			Help:      "Total number of failed position operations",
		}, []string{"operation", "error_type"}),
		StaleQuotes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "stale_quotes_total",
			Help:      "Total number of plans rejected on revalidation",
		}),
		Rebalances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "rebalances_total",
			Help:      "Total number of executed rebalances",
		}, []string{"kind"}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "open_positions",
			Help:      "Current number of open positions",
		}),
		SuccessRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "success_rate",
			Help:      "Share of attempted operations that completed",
		}),
		ExecutionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "execution_latency_seconds",
			Help:      "Time spent in protocol executor calls",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// LedgerMetrics track bookkeeping activity.
type LedgerMetrics struct {
	Actions          *prometheus.CounterVec
	JournalErrors    prometheus.Counter
	Inconsistencies  prometheus.Counter
	TrackedPositions prometheus.Gauge
}

func NewLedgerMetrics(namespace string, reg prometheus.Registerer) *LedgerMetrics {
	factory := promauto.With(reg)
	return &LedgerMetrics{
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "actions_total",
			Help:      "Total number of recorded ledger actions",
		}, []string{"kind"}),
		JournalErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "journal_errors_total",
			Help:      "Total number of failed journal writes",
		}),
		Inconsistencies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "inconsistencies_total",
			Help:      "Total number of failed reconciliations",
		}),
		TrackedPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "tracked_positions",
			Help:      "Number of positions with at least one action",
		}),
	}
}

// MarketMetrics track market data reads.
type MarketMetrics struct {
	Fetches     *prometheus.CounterVec
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	Errors      prometheus.Counter
	Latency     prometheus.Histogram
}

func NewMarketMetrics(namespace string, reg prometheus.Registerer) *MarketMetrics {
	factory := promauto.With(reg)
	return &MarketMetrics{
		Fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "fetches_total",
			Help:      "Total number of market data reads",
		}, []string{"kind"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "cache_hits_total",
			Help:      "Total number of reads served from the block cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "cache_misses_total",
			Help:      "Total number of reads that reached the source",
		}),
		Errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "errors_total",
			Help:      "Total number of failed source reads",
		}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "fetch_latency_seconds",
			Help:      "Source read latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
}
