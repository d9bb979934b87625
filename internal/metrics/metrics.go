// Package metrics holds the Prometheus instrumentation surface for
// mcptapd: stream/session lifecycle counters and ring buffer health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the observer.
type Registry struct {
	StreamsActive  prometheus.Gauge
	StreamsEmitted prometheus.Counter
	StreamsDropped *prometheus.CounterVec // reason: overflow, lru_evicted, worker_queue_full

	TLSSessionsActive    prometheus.Gauge
	TLSPayloadsEmitted   *prometheus.CounterVec // direction: send, recv; version: http1, http2, unknown
	RingReservationFails prometheus.Counter

	IdentityResolveDuration prometheus.Histogram
	IdentityResolveFailures prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Registry {
	return &Registry{
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mcptap_streams_active",
			Help: "Number of stream reassembly states currently tracked",
		}),
		StreamsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mcptap_streams_emitted_total",
			Help: "Total number of streams emitted as complete JSON-RPC messages",
		}),
		StreamsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcptap_streams_dropped_total",
				Help: "Total number of streams discarded without emission",
			},
			[]string{"reason"},
		),
		TLSSessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mcptap_tls_sessions_active",
			Help: "Number of TLS sessions currently tracked",
		}),
		TLSPayloadsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcptap_tls_payloads_emitted_total",
				Help: "Total number of TLS application payloads emitted",
			},
			[]string{"direction", "version"},
		),
		RingReservationFails: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mcptap_ring_reservation_failures_total",
			Help: "Total number of ring buffer reservation failures (events dropped)",
		}),
		IdentityResolveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcptap_identity_resolve_duration_seconds",
			Help:    "Duration of process identity enrichment lookups",
			Buckets: prometheus.DefBuckets,
		}),
		IdentityResolveFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mcptap_identity_resolve_failures_total",
			Help: "Total number of process identity enrichment lookups that failed",
		}),
	}
}

// IncDrop satisfies emitter.Recorder: "ring_full" routes to the ring
// buffer counter, everything else (overflow, lru_evicted, ...) to the
// per-reason stream-drop vector.
func (r *Registry) IncDrop(reason string) {
	if reason == "ring_full" {
		r.RingReservationFails.Inc()
		return
	}
	r.StreamsDropped.WithLabelValues(reason).Inc()
}

// RecordStreamEmitted increments the emitted counter.
func (r *Registry) RecordStreamEmitted() {
	r.StreamsEmitted.Inc()
}

// SetStreamsActive updates the active-stream gauge.
func (r *Registry) SetStreamsActive(n float64) {
	r.StreamsActive.Set(n)
}

// SetTLSSessionsActive updates the active-session gauge.
func (r *Registry) SetTLSSessionsActive(n float64) {
	r.TLSSessionsActive.Set(n)
}

// RecordTLSPayload increments the emitted-payload vector.
func (r *Registry) RecordTLSPayload(direction, version string) {
	r.TLSPayloadsEmitted.WithLabelValues(direction, version).Inc()
}

// ObserveIdentityResolveDuration records how long one Cache.Resolve
// call took, successful or not.
func (r *Registry) ObserveIdentityResolveDuration(d time.Duration) {
	r.IdentityResolveDuration.Observe(d.Seconds())
}

// IncIdentityResolveFailure counts one failed Cache.Resolve call.
func (r *Registry) IncIdentityResolveFailure() {
	r.IdentityResolveFailures.Inc()
}
