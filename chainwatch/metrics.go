package chainwatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "swapwatch"

// Metrics are the prometheus collectors updated by the watcher.
type Metrics struct {
	// TipHeight is the height of the tracked best block.
	TipHeight prometheus.Gauge

	// BlocksConnected counts emitted block events, backfilled ones
	// included.
	BlocksConnected prometheus.Counter

	// Reorgs counts tip changes that weren't a linear advance.
	Reorgs prometheus.Counter

	// Orphans counts discarded block notifications.
	Orphans prometheus.Counter

	// RelevantTxs counts emitted transaction events by confirmation
	// state.
	RelevantTxs *prometheus.CounterVec

	// NodeQueryFailures counts failed node calls by method.
	NodeQueryFailures *prometheus.CounterVec

	// CompatibilityRescan is 1 once the slow rescan path is in use.
	CompatibilityRescan prometheus.Gauge

	// NotificationGaps counts notifications the node dropped, by filter.
	NotificationGaps *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TipHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "chain",
			Name:      "tip_height",
			Help:      "Height of the tracked best block.",
		}),
		BlocksConnected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chain",
			Name:      "blocks_connected_total",
			Help:      "Number of block events emitted.",
		}),
		Reorgs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chain",
			Name:      "reorgs_total",
			Help:      "Number of reorganizations and gaps handled.",
		}),
		Orphans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chain",
			Name:      "orphans_total",
			Help:      "Number of discarded orphan blocks.",
		}),
		RelevantTxs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tx",
			Name:      "relevant_total",
			Help:      "Number of relevant transaction events emitted.",
		}, []string{"confirmed"}),
		NodeQueryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "node",
			Name:      "query_failures_total",
			Help:      "Number of failed node queries.",
		}, []string{"method"}),
		CompatibilityRescan: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rescan",
			Name:      "compatibility_mode",
			Help:      "Set to 1 once rescans use the slow path.",
		}),
		NotificationGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "zmq",
			Name:      "missed_notifications_total",
			Help:      "Number of notifications dropped by the node.",
		}, []string{"filter"}),
	}
}

// observeTx counts an emitted transaction event.
func (m *Metrics) observeTx(confirmed bool) {
	label := "false"
	if confirmed {
		label = "true"
	}
	m.RelevantTxs.WithLabelValues(label).Inc()
}

// observeQueryFailure counts a failed node call.
func (m *Metrics) observeQueryFailure(method string) {
	m.NodeQueryFailures.WithLabelValues(method).Inc()
}
