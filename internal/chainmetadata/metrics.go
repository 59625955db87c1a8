package chainmetadata

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "chain_metadata"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of peers with a live claim.
	PeerClaims metrics.Gauge
	// Claims rejected as malformed.
	InvalidClaims metrics.Counter
	// Events dropped because a subscriber was not keeping up.
	DroppedEvents metrics.Counter
	// NetworkSilence events published.
	NetworkSilences metrics.Counter
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
		PeerClaims: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_claims",
			Help:      "Number of peers with a live chain metadata claim.",
		}, labels).With(labelsAndValues...),
		InvalidClaims: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "invalid_claims",
			Help:      "Number of malformed claims dropped.",
		}, labels).With(labelsAndValues...),
		DroppedEvents: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dropped_events",
			Help:      "Number of events dropped for slow subscribers.",
		}, labels).With(labelsAndValues...),
		NetworkSilences: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "network_silences",
			Help:      "Number of network silence events published.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		PeerClaims:      discard.NewGauge(),
		InvalidClaims:   discard.NewCounter(),
		DroppedEvents:   discard.NewCounter(),
		NetworkSilences: discard.NewCounter(),
	}
}
