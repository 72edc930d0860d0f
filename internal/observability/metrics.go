package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CauldronLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Vault ---
	VaultShareSupply *prometheus.GaugeVec
	VaultElastic     *prometheus.GaugeVec

	// --- Markets ---
	MarketBorrowElastic *prometheus.GaugeVec
	MarketFeesEarned    *prometheus.GaugeVec
	OracleStaleRejects  *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationsOpened    *prometheus.CounterVec
	LiquidationsCompleted *prometheus.CounterVec
	LiquidationShortfall  *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistErrors        *prometheus.CounterVec
	PersistJournals      prometheus.Counter
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram

	// --- Snapshots ---
	SnapshotTaken   prometheus.Counter
	SnapshotLastSeq prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cauldron_core_events_applied_total",
			Help: "Events successfully applied by the engine",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cauldron_core_events_rejected_total",
			Help: "Operations rejected before any state change",
		}, []string{"op"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cauldron_core_sequence",
			Help: "Current global sequence number",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cauldron_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cauldron_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cauldron_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cauldron_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"event_type"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cauldron_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		VaultShareSupply: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cauldron_vault_share_supply",
			Help: "Total base (share supply) per asset",
		}, []string{"asset"}),

		VaultElastic: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cauldron_vault_elastic",
			Help: "Total elastic (custodied tokens) per asset",
		}, []string{"asset"}),

		MarketBorrowElastic: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cauldron_market_borrow_elastic",
			Help: "Outstanding debt per market",
		}, []string{"market_id"}),

		MarketFeesEarned: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cauldron_market_fees_earned",
			Help: "Unclaimed protocol fees per market",
		}, []string{"market_id"}),

		OracleStaleRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cauldron_oracle_stale_rejects_total",
			Help: "Operations rejected for a stale oracle price",
		}, []string{"op"}),

		LiquidationsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cauldron_liquidations_opened_total",
			Help: "Three-phase liquidations opened",
		}, []string{"market_id"}),

		LiquidationsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cauldron_liquidations_completed_total",
			Help: "Liquidations completed",
		}, []string{"market_id"}),

		LiquidationShortfall: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cauldron_liquidation_shortfall_total",
			Help: "Shortfall absorbed at completion",
		}, []string{"market_id"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cauldron_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cauldron_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistJournals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cauldron_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cauldron_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cauldron_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cauldron_persist_batch_size",
			Help:    "Events per flushed batch",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cauldron_persist_batch_duration_seconds",
			Help:    "Batch flush latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cauldron_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cauldron_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cauldron_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cauldron_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
