// Package metrics holds the engine's Prometheus instrumentation, following
// the teacher's promauto-registration pattern (internal/metrics/metrics.go)
// with the gauge/counter/histogram set renamed to this engine's domain:
// oplog writes, merge outcomes, clock health, and per-peer sync state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all registered Prometheus collectors for one engine
// instance.
type Metrics struct {
	// C2/C3: oplog and merge engine
	OpLogAppended            prometheus.Counter
	RecordLocalLatency       prometheus.Histogram
	MergeApplied             prometheus.Counter
	MergeSkippedDuplicate    prometheus.Counter
	MergeSkippedUnauthorized prometheus.Counter
	MergeRejectedMalformed   prometheus.Counter
	MergeBatchLatency        prometheus.Histogram
	MergeBatchSize           prometheus.Histogram

	// C1: clock health
	ClockOverflows prometheus.Counter
	ClockDrift     *prometheus.GaugeVec // observed drift per peer, milliseconds

	// C4: sync protocol
	PeerState           *prometheus.GaugeVec // 1 for the peer's current state, keyed by peer+state
	HandshakeRejections *prometheus.CounterVec
	PushLatency         *prometheus.HistogramVec
	PullLatency         *prometheus.HistogramVec
	EntriesSent         *prometheus.CounterVec
	EntriesReceived     *prometheus.CounterVec
	ReconnectAttempts   *prometheus.CounterVec
	HeartbeatRTT        *prometheus.GaugeVec
	Errors              *prometheus.CounterVec

	// adaptive pacing
	PeerHealthScore    *prometheus.GaugeVec
	CurrentBatchSize   *prometheus.GaugeVec
	CurrentHeartbeatMs *prometheus.GaugeVec
	PacingAdjustments  prometheus.Counter
}

// New creates and registers all Prometheus collectors under namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		OpLogAppended: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "oplog_appended_total", Help: "Total entries appended to the local oplog by record_local.",
		}),
		RecordLocalLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "record_local_latency_seconds", Help: "Latency of record_local calls.", Buckets: prometheus.DefBuckets,
		}),
		MergeApplied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_applied_total", Help: "Entries applied by merge batches.",
		}),
		MergeSkippedDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_skipped_duplicate_total", Help: "Entries skipped as already present.",
		}),
		MergeSkippedUnauthorized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_skipped_unauthorized_total", Help: "Entries skipped: originating device not under local user.",
		}),
		MergeRejectedMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_rejected_malformed_total", Help: "Entries rejected: payload failed to deserialize.",
		}),
		MergeBatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "merge_batch_latency_seconds", Help: "Latency of merge batch transactions.", Buckets: prometheus.DefBuckets,
		}),
		MergeBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "merge_batch_size", Help: "Entries per merge batch.", Buckets: prometheus.LinearBuckets(0, 32, 10),
		}),
		ClockOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "clock_overflows_total", Help: "HLC logical-counter overflows without physical advance.",
		}),
		ClockDrift: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "clock_drift_milliseconds", Help: "Observed physical-clock drift per peer.",
		}, []string{"peer"}),
		PeerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peer_state", Help: "1 if peer is currently in this state, else 0.",
		}, []string{"peer", "state"}),
		HandshakeRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshake_rejections_total", Help: "Handshake rejections by reason.",
		}, []string{"reason"}),
		PushLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "push_latency_seconds", Help: "Latency of SendOps pushes per peer.", Buckets: prometheus.DefBuckets,
		}, []string{"peer"}),
		PullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "pull_latency_seconds", Help: "Latency of RequestOps pulls per peer.", Buckets: prometheus.DefBuckets,
		}, []string{"peer"}),
		EntriesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "entries_sent_total", Help: "OpLog entries sent, per peer.",
		}, []string{"peer"}),
		EntriesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "entries_received_total", Help: "OpLog entries received, per peer.",
		}, []string{"peer"}),
		ReconnectAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total", Help: "Reconnect attempts, per peer.",
		}, []string{"peer"}),
		HeartbeatRTT: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "heartbeat_rtt_seconds", Help: "Most recent ping/pong round trip, per peer.",
		}, []string{"peer"}),
		Errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total", Help: "Errors by kind.",
		}, []string{"kind"}),
		PeerHealthScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peer_health_score", Help: "Adaptive pacing health score in [0,1], per peer.",
		}, []string{"peer"}),
		CurrentBatchSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_batch_size", Help: "Current adaptive batch_max_entries, per peer.",
		}, []string{"peer"}),
		CurrentHeartbeatMs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_heartbeat_ms", Help: "Current adaptive heartbeat interval, per peer.",
		}, []string{"peer"}),
		PacingAdjustments: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pacing_adjustments_total", Help: "Total adaptive pacing adjustments.",
		}),
	}
}
