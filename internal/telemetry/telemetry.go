// Package telemetry wires the Prometheus collectors exposed at /metrics:
// DHT lookup counters, store occupancy, the rate limiter's tracked-peer
// count, popularity-exchange volume, and replication acks. Purely observability scaffolding, never
// load-bearing for the DHT's behavior.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered on a private registry, so a
// node's metrics never collide with another node's in the same process
// (useful for the two-node-in-one-process test harness).
type Metrics struct {
	registry *prometheus.Registry

	DHTLookups           *prometheus.CounterVec
	StoreBytesUsed       prometheus.Gauge
	StoreEntriesExpired  prometheus.Counter
	RateLimiterOccupancy prometheus.Gauge
	PopularityExchanges  prometheus.Counter
	ReplicationsRecorded prometheus.Counter
}

// New registers a fresh set of collectors on a new registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		DHTLookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "rhizome",
			Subsystem: "dht",
			Name:      "lookups_total",
			Help:      "DHT lookup operations performed, by kind.",
		}, []string{"op"}),
		StoreBytesUsed: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "rhizome",
			Subsystem: "store",
			Name:      "bytes_used",
			Help:      "Approximate bytes occupied in the local store.",
		}),
		StoreEntriesExpired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "rhizome",
			Subsystem: "store",
			Name:      "entries_expired_total",
			Help:      "Entries removed by the periodic expiry sweep.",
		}),
		RateLimiterOccupancy: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "rhizome",
			Subsystem: "transport",
			Name:      "rate_limiter_tracked_peers",
			Help:      "Count of distinct peer keys with an active per-peer rate-limit bucket.",
		}),
		PopularityExchanges: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "rhizome",
			Subsystem: "popularity",
			Name:      "gossip_rounds_total",
			Help:      "Popularity gossip rounds completed.",
		}),
		ReplicationsRecorded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "rhizome",
			Subsystem: "replication",
			Name:      "acks_total",
			Help:      "Store acknowledgements recorded across all replicated keys.",
		}),
	}
}

// Handler serves the registered collectors in the Prometheus exposition
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
