package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Replica call metrics
	ReplicaRequests        *prometheus.CounterVec
	ReplicaRequestDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheRefreshes *prometheus.CounterVec

	// Resolution metrics
	ResolutionFailures *prometheus.CounterVec
	ResolverEndpoints  prometheus.Gauge
	EndpointEvictions  prometheus.Counter

	// Consistency metrics
	QuorumOutcomes  *prometheus.CounterVec
	BarrierAttempts *prometheus.HistogramVec
	BarrierFailures *prometheus.CounterVec

	// Background work and metadata
	BackgroundRefreshes *prometheus.CounterVec
	MetadataRequests    *prometheus.CounterVec
}

// NewMetrics creates Prometheus metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ReplicaRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directconn_replica_requests_total",
				Help: "Total number of replica calls by operation and status code",
			},
			[]string{"operation", "status"},
		),

		ReplicaRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "directconn_replica_request_duration_seconds",
				Help:    "Duration of replica calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directconn_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directconn_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		CacheRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directconn_cache_refreshes_total",
				Help: "Total number of forced cache refreshes",
			},
			[]string{"cache_type"},
		),

		ResolutionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directconn_address_resolution_failures_total",
				Help: "Total number of address resolution failures by error kind",
			},
			[]string{"kind"},
		),

		ResolverEndpoints: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "directconn_resolver_endpoints",
				Help: "Number of regional endpoints with an active address resolver",
			},
		),

		EndpointEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "directconn_resolver_endpoint_evictions_total",
				Help: "Total number of regional resolvers evicted",
			},
		),

		QuorumOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directconn_quorum_outcomes_total",
				Help: "Read quorum outcomes by read mode",
			},
			[]string{"mode", "outcome"},
		),

		BarrierAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "directconn_barrier_attempts",
				Help:    "Number of barrier probes issued before the barrier completed",
				Buckets: []float64{1, 2, 4, 6, 10, 20, 30},
			},
			[]string{"barrier"},
		),

		BarrierFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directconn_barrier_failures_total",
				Help: "Barriers that exhausted their attempts",
			},
			[]string{"barrier"},
		),

		BackgroundRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directconn_background_address_refreshes_total",
				Help: "Background address refreshes by result",
			},
			[]string{"result"},
		),

		MetadataRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directconn_metadata_requests_total",
				Help: "Metadata source requests by resource and status",
			},
			[]string{"resource", "status"},
		),
	}
}

// RecordReplicaRequest records a replica call
func (m *Metrics) RecordReplicaRequest(operation, status string, duration float64) {
	if m == nil {
		return
	}
	m.ReplicaRequests.WithLabelValues(operation, status).Inc()
	m.ReplicaRequestDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(cacheType string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordCacheRefresh records a forced refresh
func (m *Metrics) RecordCacheRefresh(cacheType string) {
	if m == nil {
		return
	}
	m.CacheRefreshes.WithLabelValues(cacheType).Inc()
}

// RecordResolutionFailure records a failed address resolution
func (m *Metrics) RecordResolutionFailure(kind string) {
	if m == nil {
		return
	}
	m.ResolutionFailures.WithLabelValues(kind).Inc()
}

// UpdateResolverEndpoints updates the active resolver gauge
func (m *Metrics) UpdateResolverEndpoints(count int) {
	if m == nil {
		return
	}
	m.ResolverEndpoints.Set(float64(count))
}

// RecordEndpointEviction records an evicted regional resolver
func (m *Metrics) RecordEndpointEviction() {
	if m == nil {
		return
	}
	m.EndpointEvictions.Inc()
}

// RecordQuorumOutcome records a read quorum outcome
func (m *Metrics) RecordQuorumOutcome(mode, outcome string) {
	if m == nil {
		return
	}
	m.QuorumOutcomes.WithLabelValues(mode, outcome).Inc()
}

// RecordBarrier records a completed or failed barrier
func (m *Metrics) RecordBarrier(barrier string, attempts int, met bool) {
	if m == nil {
		return
	}
	m.BarrierAttempts.WithLabelValues(barrier).Observe(float64(attempts))
	if !met {
		m.BarrierFailures.WithLabelValues(barrier).Inc()
	}
}

// RecordBackgroundRefresh records a background address refresh
func (m *Metrics) RecordBackgroundRefresh(result string) {
	if m == nil {
		return
	}
	m.BackgroundRefreshes.WithLabelValues(result).Inc()
}

// RecordMetadataRequest records a metadata source call
func (m *Metrics) RecordMetadataRequest(resource, status string) {
	if m == nil {
		return
	}
	m.MetadataRequests.WithLabelValues(resource, status).Inc()
}
