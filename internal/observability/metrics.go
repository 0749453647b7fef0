package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault.
type Metrics struct {
	// --- Core Processing ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CoreSequence     prometheus.Gauge

	// --- Domain ---
	Deposits            prometheus.Counter
	Redemptions         prometheus.Counter
	Settlements         *prometheus.CounterVec
	ScheduleHeapSize    prometheus.Gauge
	PendingInteractions prometheus.Gauge

	// --- Drain ---
	DrainNotifications   prometheus.Counter
	DrainBudgetExhausted prometheus.Counter

	// --- Dedup ---
	NonceLookupErrors prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Ingestion & Publishing ---
	IngestReceived    *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec
	NATSPublished     prometheus.Counter
	NATSPublishErrors prometheus.Counter
	NotifyPublished   prometheus.Counter
	NotifyErrors      prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_commands_applied_total",
			Help: "Commands successfully applied by the settlement core",
		}, []string{"command_type"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_commands_rejected_total",
			Help: "Commands rejected (auth, dedup, validation, preconditions)",
		}, []string{"command_type"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_core_command_duration_seconds",
			Help:    "Time to process a single command in the core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_core_sequence",
			Help: "Current global event sequence number",
		}),

		// Domain
		Deposits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_deposits_total",
			Help: "Deposits recorded",
		}),

		Redemptions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_redemptions_total",
			Help: "Bulk tranche redemptions performed",
		}),

		Settlements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_settlements_total",
			Help: "Settlement outcomes by kind",
		}, []string{"outcome", "kind"}),

		ScheduleHeapSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_schedule_heap_size",
			Help: "Distinct expiries currently scheduled",
		}),

		PendingInteractions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_schedule_pending_interactions",
			Help: "Interactions awaiting settlement",
		}),

		// Drain
		DrainNotifications: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_drain_notifications_total",
			Help: "Settlement notifications issued by the drain loop",
		}),

		DrainBudgetExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_drain_budget_exhausted_total",
			Help: "Drain loops stopped by an exhausted work budget",
		}),

		// Dedup
		NonceLookupErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_nonce_lookup_errors_total",
			Help: "Tier-2 nonce lookup failures",
		}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Ingestion & Publishing
		IngestReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ingest_received_total",
			Help: "Commands received from NATS",
		}, []string{"subject"}),

		IngestParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ingest_parse_errors_total",
			Help: "Malformed command payloads",
		}, []string{"subject"}),

		NATSPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_nats_published_total",
			Help: "Outbound events published to NATS",
		}),

		NATSPublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_nats_publish_errors_total",
			Help: "Outbound publish failures",
		}),

		NotifyPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_notify_published_total",
			Help: "Controller settlement notifications published",
		}),

		NotifyErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_notify_errors_total",
			Help: "Controller notification publish failures",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
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
