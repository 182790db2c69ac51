// Package telemetry provides observability primitives for offcache.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	NetworkErrors      prometheus.Counter
	CacheWrites        *prometheus.CounterVec
	Installs           *prometheus.CounterVec
	GenerationsDeleted prometheus.Counter
	ActiveVersion      *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offcache",
			Name:      "requests_total",
			Help:      "Requests resolved by the proxy, by route and response source.",
		}, []string{"route", "source"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "offcache",
			Name:                            "request_duration_seconds",
			Help:                            "Time to resolve a request, by route.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"route"}),

		NetworkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offcache",
			Name:      "network_errors_total",
			Help:      "Network fetches that failed before a response arrived.",
		}),

		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offcache",
			Name:      "cache_writes_total",
			Help:      "Background cache writes, by result.",
		}, []string{"result"}),

		Installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offcache",
			Name:      "installs_total",
			Help:      "Install attempts, by result.",
		}, []string{"result"}),

		GenerationsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offcache",
			Name:      "generations_deleted_total",
			Help:      "Stale cache generations deleted on activation.",
		}),

		ActiveVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "offcache",
			Name:      "active_version",
			Help:      "1 for the cache version currently serving requests.",
		}, []string{"version"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.NetworkErrors,
		m.CacheWrites,
		m.Installs,
		m.GenerationsDeleted,
		m.ActiveVersion,
	)
	return m
}

func (m *Metrics) ObserveRequest(route, source string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, source).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

func (m *Metrics) NetworkError() {
	if m == nil {
		return
	}
	m.NetworkErrors.Inc()
}

func (m *Metrics) CacheWrite(result string) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) Install(result string) {
	if m == nil {
		return
	}
	m.Installs.WithLabelValues(result).Inc()
}

func (m *Metrics) GenerationDeleted() {
	if m == nil {
		return
	}
	m.GenerationsDeleted.Inc()
}

// SetActiveVersion flips the gauge from the previous version to the new one.
func (m *Metrics) SetActiveVersion(prev, next string) {
	if m == nil {
		return
	}
	if prev != "" {
		m.ActiveVersion.DeleteLabelValues(prev)
	}
	m.ActiveVersion.WithLabelValues(next).Set(1)
}
