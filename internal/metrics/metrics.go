// Package metrics holds the prometheus collectors shared across the worker
// pool, the TCP connection table and the entropy store. A single registry is
// created per process and handed to whichever components are constructed.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector this module exposes. Components register
// into it at construction time instead of using the global default registry,
// so multiple nodes can run in the same test binary without collisions.
type Registry struct {
	prom *prometheus.Registry

	WorkSubmitted   prometheus.Counter
	WorkInFlight    prometheus.Gauge
	WorkFailed      prometheus.Counter

	ConnectionsLive prometheus.Gauge
	ConnectionsEvicted prometheus.Counter
	SendsDropped    prometheus.Counter

	UploadsInFlight   prometheus.Gauge
	DownloadsInFlight prometheus.Gauge
	FragmentsPersisted prometheus.Counter
}

// NewRegistry constructs and registers every collector. namespace prefixes
// every metric name, letting a test harness run several nodes side by side
// with distinct namespaces.
func NewRegistry(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		prom: reg,
		WorkSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workerpool", Name: "submitted_total",
			Help: "work items submitted to the pool",
		}),
		WorkInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "workerpool", Name: "in_flight",
			Help: "work items currently executing",
		}),
		WorkFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workerpool", Name: "failed_total",
			Help: "work items that returned an error",
		}),
		ConnectionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "connections_live",
			Help: "entries currently held in the connection table",
		}),
		ConnectionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "connections_evicted_total",
			Help: "connection table entries evicted to make room for a new destination",
		}),
		SendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "sends_dropped_total",
			Help: "outgoing sends dropped because the table was saturated and the LRU entry was too fresh to evict",
		}),
		UploadsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "entropy", Name: "uploads_in_flight",
			Help: "chunks this peer currently originates",
		}),
		DownloadsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "entropy", Name: "downloads_in_flight",
			Help: "chunks this peer is currently reconstructing",
		}),
		FragmentsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "entropy", Name: "fragments_persisted_total",
			Help: "fragments written to the fs persistence service",
		}),
	}
	reg.MustRegister(
		r.WorkSubmitted, r.WorkInFlight, r.WorkFailed,
		r.ConnectionsLive, r.ConnectionsEvicted, r.SendsDropped,
		r.UploadsInFlight, r.DownloadsInFlight, r.FragmentsPersisted,
	)
	return r
}

// Gatherer exposes the underlying prometheus registry for wiring into an
// http.Handler (promhttp.HandlerFor), kept indirect so this package has no
// net/http dependency of its own.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}
