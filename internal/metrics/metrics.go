// Package metrics records download, derivation, size-fitting and transport
// activity as Prometheus collectors.
package metrics

import (
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const namespace = "naikit"

// Collector owns every metric the module emits
type Collector struct {
	registry *prometheus.Registry

	downloadsTotal      *prometheus.CounterVec
	downloadBytes       *prometheus.HistogramVec
	derivationsTotal    *prometheus.CounterVec
	derivationDuration  *prometheus.HistogramVec
	fitsTotal           *prometheus.CounterVec
	transportRequests   *prometheus.CounterVec
	transportDuration   *prometheus.HistogramVec
	readinessWaitsTotal prometheus.Counter
	retriesTotal        *prometheus.CounterVec
	breakerTransitions  *prometheus.CounterVec
}

// NewCollector registers all metrics on a fresh registry
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		downloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Downloads by source path (inline, network) and result",
			},
			[]string{"path", "result"},
		),
		downloadBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "download_size_bytes",
				Help:      "Size of accepted downloads",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
			[]string{"path"},
		),
		derivationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_derivations_total",
				Help:      "Key derivations by kind and result",
			},
			[]string{"kind", "result"},
		),
		derivationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "key_derivation_duration_seconds",
				Help:      "Wall time of Argon2id derivations",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"kind"},
		),
		fitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "size_fits_total",
				Help:      "Size fits by the strategy that produced the result",
			},
			[]string{"strategy"},
		),
		transportRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_requests_total",
				Help:      "Outgoing HTTP requests by method and status class",
			},
			[]string{"method", "status"},
		),
		transportDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transport_request_duration_seconds",
				Help:      "Outgoing HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		readinessWaitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crypto_readiness_waits_total",
				Help:      "Times a caller awaited the crypto readiness gate",
			},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retried attempts by operation",
			},
			[]string{"operation"},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker transitions by the state entered",
			},
			[]string{"state"},
		),
	}
}

// Registry exposes the underlying registry for exporters and tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordDownload counts a download attempt; size is observed only on success
func (c *Collector) RecordDownload(path, result string, size int) {
	c.downloadsTotal.WithLabelValues(path, result).Inc()
	if result == "ok" {
		c.downloadBytes.WithLabelValues(path).Observe(float64(size))
	}
}

// RecordDerivation counts a derivation and its duration
func (c *Collector) RecordDerivation(kind string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.derivationsTotal.WithLabelValues(kind, result).Inc()
	c.derivationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordFit counts which strategy produced a fitted size
func (c *Collector) RecordFit(strategy string) {
	c.fitsTotal.WithLabelValues(strategy).Inc()
}

// RecordTransport counts one outgoing request. status is the HTTP status or 0 on transport error.
func (c *Collector) RecordTransport(method string, status int, duration time.Duration) {
	c.transportRequests.WithLabelValues(method, statusClass(status)).Inc()
	c.transportDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordReadinessWait counts one await of the readiness gate
func (c *Collector) RecordReadinessWait() {
	c.readinessWaitsTotal.Inc()
}

// RecordRetry counts one retried attempt of operation
func (c *Collector) RecordRetry(operation string) {
	c.retriesTotal.WithLabelValues(operation).Inc()
}

// RecordBreakerTransition counts a breaker entering state
func (c *Collector) RecordBreakerTransition(state string) {
	c.breakerTransitions.WithLabelValues(state).Inc()
}

// WriteText dumps every metric family in the Prometheus text format
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

var (
	defaultOnce      sync.Once
	defaultCollector *Collector
)

// Default returns the process-wide collector
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = NewCollector()
	})
	return defaultCollector
}
