package chainsync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "chain_sync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Height of the local chain tip.
	LocalHeight metrics.Gauge
	// Height of the chain currently being synced to.
	TargetHeight metrics.Gauge
	// Headers validated and staged.
	HeadersSynced metrics.Counter
	// Blocks validated and committed.
	BlocksSynced metrics.Counter
	// Horizon snapshots committed.
	HorizonSyncs metrics.Counter
	// Blocks discarded when switching to a heavier fork.
	BlocksRewound metrics.Counter
	// Peers banned for misbehavior.
	PeerBans metrics.Counter
	// State entries, labeled by state.
	StateTransitions metrics.Counter
	// Whether the node reports itself as stuck.
	Stuck metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		LocalHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "local_height",
			Help:      "Height of the local chain tip.",
		}, labels).With(labelsAndValues...),
		TargetHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "target_height",
			Help:      "Height claimed by the current sync peer.",
		}, labels).With(labelsAndValues...),
		HeadersSynced: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "headers_synced",
			Help:      "Number of headers validated during header sync.",
		}, labels).With(labelsAndValues...),
		BlocksSynced: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_synced",
			Help:      "Number of blocks committed during block sync.",
		}, labels).With(labelsAndValues...),
		HorizonSyncs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "horizon_syncs",
			Help:      "Number of horizon snapshots committed.",
		}, labels).With(labelsAndValues...),
		BlocksRewound: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_rewound",
			Help:      "Number of local blocks discarded for a heavier fork.",
		}, labels).With(labelsAndValues...),
		PeerBans: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_bans",
			Help:      "Number of sync peers banned.",
		}, labels).With(labelsAndValues...),
		StateTransitions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "state_transitions",
			Help:      "Number of times each sync state was entered.",
		}, append(labels, "state")).With(labelsAndValues...),
		Stuck: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stuck",
			Help:      "Whether sync has made no progress for several rounds (1 if yes).",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		LocalHeight:      discard.NewGauge(),
		TargetHeight:     discard.NewGauge(),
		HeadersSynced:    discard.NewCounter(),
		BlocksSynced:     discard.NewCounter(),
		HorizonSyncs:     discard.NewCounter(),
		BlocksRewound:    discard.NewCounter(),
		PeerBans:         discard.NewCounter(),
		StateTransitions: discard.NewCounter(),
		Stuck:            discard.NewGauge(),
	}
}
