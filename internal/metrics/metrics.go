// Package metrics holds the prometheus collectors for the acquisition
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "genhub"

type Metrics struct {
	searches        *prometheus.CounterVec
	resolveFailures *prometheus.CounterVec
	prepareDuration *prometheus.HistogramVec
	stores          *prometheus.CounterVec
	storedBytes     prometheus.Counter
	fetchRequests   *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	poolManifests   prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		searches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "searches_total",
			Help:      "Searches by provider and outcome.",
		}, []string{"provider", "outcome"}),
		resolveFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "resolve_failures_total",
			Help:      "Search results dropped because resolution or validation failed.",
		}, []string{"provider"}),
		prepareDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "prepare_duration_seconds",
			Help:      "Time spent preparing content.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "outcome"}),
		stores: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "stores_total",
			Help:      "StoreContent calls by mode (copied, metadata) and outcome.",
		}, []string{"mode", "outcome"}),
		storedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "stored_bytes_total",
			Help:      "Bytes copied into the content store.",
		}),
		fetchRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Outbound HTTP requests by host and status code.",
		}, []string{"host", "code"}),
		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "request_duration_seconds",
			Help:      "Outbound HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"host"}),
		poolManifests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "manifests",
			Help:      "Manifests currently held by the pool.",
		}),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) ObserveSearch(provider string, ok bool) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(provider, outcome(ok)).Inc()
}

func (m *Metrics) ObserveResolveFailure(provider string) {
	if m == nil {
		return
	}
	m.resolveFailures.WithLabelValues(provider).Inc()
}

func (m *Metrics) ObservePrepare(provider string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.prepareDuration.WithLabelValues(provider, outcome(ok)).Observe(d.Seconds())
}

// ObserveStore records one StoreContent call. mode is "copied" or "metadata".
func (m *Metrics) ObserveStore(mode string, ok bool, bytes int64) {
	if m == nil {
		return
	}
	m.stores.WithLabelValues(mode, outcome(ok)).Inc()
	if ok && bytes > 0 {
		m.storedBytes.Add(float64(bytes))
	}
}

// ObserveFetch records one HTTP request. code is 0 for transport errors.
func (m *Metrics) ObserveFetch(host string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchRequests.WithLabelValues(host, strconv.Itoa(code)).Inc()
	m.fetchDuration.WithLabelValues(host).Observe(d.Seconds())
}

func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.poolManifests.Set(float64(n))
}
