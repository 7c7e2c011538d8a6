package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheCollector exposes mesh cache Prometheus metrics. Every series is
// labeled by kind: the key prefix (vertices, field, info).
type CacheCollector struct {
	gatherer prometheus.Gatherer

	Lookups         *prometheus.CounterVec
	Computations    *prometheus.CounterVec
	ComputeDuration *prometheus.HistogramVec
	PayloadBytes    *prometheus.GaugeVec
	Entries         prometheus.Gauge
}

// NewCacheCollector registers cache metrics against the provided registerer.
func NewCacheCollector(reg prometheus.Registerer) (*CacheCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	lookups, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dfsu_cache_lookups_total",
		Help: "Mesh cache lookups, labeled by kind and result (hit or miss).",
	}, []string{"kind", "result"}), "dfsu_cache_lookups_total")
	if err != nil {
		return nil, err
	}

	computations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dfsu_cache_computations_total",
		Help: "Mesh cache computations, labeled by kind and outcome (ok or error).",
	}, []string{"kind", "outcome"}), "dfsu_cache_computations_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dfsu_cache_compute_duration_seconds",
		Help:    "Duration of mesh extraction and field encoding computations.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"}), "dfsu_cache_compute_duration_seconds")
	if err != nil {
		return nil, err
	}

	payload, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dfsu_cache_payload_bytes",
		Help: "Size of the most recently computed payload, labeled by kind.",
	}, []string{"kind"}), "dfsu_cache_payload_bytes")
	if err != nil {
		return nil, err
	}

	entries, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dfsu_cache_entries",
		Help: "Number of payloads held by the mesh cache.",
	}), "dfsu_cache_entries")
	if err != nil {
		return nil, err
	}

	return &CacheCollector{
		gatherer:        gatherer,
		Lookups:         lookups,
		Computations:    computations,
		ComputeDuration: durations,
		PayloadBytes:    payload,
		Entries:         entries,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *CacheCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveLookup counts a cache hit or miss.
func (c *CacheCollector) ObserveLookup(kind string, hit bool) {
	if c == nil || c.Lookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.Lookups.WithLabelValues(kind, result).Inc()
}

// ObserveCompute records one computation. size is ignored for failures.
func (c *CacheCollector) ObserveCompute(kind string, d time.Duration, size int, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if c.Computations != nil {
		c.Computations.WithLabelValues(kind, outcome).Inc()
	}
	if c.ComputeDuration != nil {
		c.ComputeDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
	if err == nil && c.PayloadBytes != nil {
		c.PayloadBytes.WithLabelValues(kind).Set(float64(size))
	}
}

// SetEntries updates the entry count gauge.
func (c *CacheCollector) SetEntries(n int) {
	if c == nil || c.Entries == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	c.Entries.Set(float64(n))
}
