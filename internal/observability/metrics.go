package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the matching and settlement engine.
type Metrics struct {
	// Order intake
	OrdersAccepted *prometheus.CounterVec
	OrdersRejected *prometheus.CounterVec
	OrdersCanceled *prometheus.CounterVec
	StopsTriggered *prometheus.CounterVec

	// Matching
	TradesMatched  *prometheus.CounterVec
	MatchedVolume  *prometheus.CounterVec
	MatchDuration  *prometheus.HistogramVec
	BookDepth      *prometheus.GaugeVec
	SubmitQueueLag *prometheus.HistogramVec

	// Settlement
	SettleFailures  *prometheus.CounterVec
	FeesCollected   *prometheus.CounterVec
	ReserveFailures *prometheus.CounterVec

	// Funding
	DepositsApplied    *prometheus.CounterVec
	WithdrawalsApplied *prometheus.CounterVec

	// Channels & backpressure
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// Persistence
	PersistRowsWritten *prometheus.CounterVec
	PersistBatchSize   prometheus.Histogram
	PersistBatchDur    prometheus.Histogram
	PersistErrors      *prometheus.CounterVec
	PersistRetry       prometheus.Counter

	// Query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OrdersAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_orders_accepted_total",
			Help: "Orders admitted into matching",
		}, []string{"symbol", "type"}),

		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_orders_rejected_total",
			Help: "Orders rejected before or during matching",
		}, []string{"symbol", "reason"}),

		OrdersCanceled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_orders_canceled_total",
			Help: "Orders canceled by user request or IOC remainder",
		}, []string{"symbol", "reason"}),

		StopsTriggered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_stops_triggered_total",
			Help: "Stop-family orders activated by a trade price",
		}, []string{"symbol", "type"}),

		TradesMatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_trades_total",
			Help: "Fills produced by the matching loop",
		}, []string{"symbol"}),

		MatchedVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_traded_volume_base",
			Help: "Cumulative matched base quantity (fixed-point units)",
		}, []string{"symbol"}),

		MatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "match_order_duration_seconds",
			Help:    "Time from worker pickup to terminal-or-resting",
			Buckets: latencyBuckets,
		}, []string{"symbol"}),

		BookDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "match_book_depth",
			Help: "Resting orders per side",
		}, []string{"symbol", "side"}),

		SubmitQueueLag: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "match_submit_queue_lag_seconds",
			Help:    "Time a command waits in the symbol queue",
			Buckets: latencyBuckets,
		}, []string{"symbol"}),

		SettleFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_settle_failures_total",
			Help: "Fatal settlement failures (symbol halted)",
		}, []string{"symbol"}),

		FeesCollected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_fees_collected_total",
			Help: "Commission credited to the fee account (quote units)",
		}, []string{"symbol"}),

		ReserveFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_reserve_failures_total",
			Help: "Reservations refused for insufficient balance",
		}, []string{"symbol"}),

		DepositsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_deposits_applied_total",
			Help: "Deposit events credited to the ledger",
		}, []string{"asset"}),

		WithdrawalsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_withdrawals_applied_total",
			Help: "Withdrawal events debited from the ledger",
		}, []string{"asset"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "match_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "match_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "match_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "match_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_persist_rows_written_total",
			Help: "Rows written to Postgres",
		}, []string{"table"}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "match_persist_batch_size",
			Help:    "Items per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "match_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "match_persist_retry_total",
			Help: "Persistence retries",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "match_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "match_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
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
