package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// checkoutBuckets cover a cache hit up to a checkout that waited on every
// provider retry.
var checkoutBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000}

// HTTPMetrics are the request collectors of the checkout API, labelled by
// purchase flow so webhook traffic and buyer traffic are read apart.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics registers the collectors on reg, or the default registerer
// when reg is nil. Registering twice returns the collectors already present.
func NewHTTPMetrics(namespace string, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by purchase flow, route and status class.",
		}, []string{"flow", "route", "method", "class"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds, by purchase flow and route.",
			Buckets:   checkoutBuckets,
		}, []string{"flow", "route"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "HTTP requests currently being served.",
		}),
	}
	mustRegisterCollector(reg, m.Requests, func(existing prometheus.Collector) {
		if vec, ok := existing.(*prometheus.CounterVec); ok {
			m.Requests = vec
		}
	})
	mustRegisterCollector(reg, m.Latency, func(existing prometheus.Collector) {
		if vec, ok := existing.(*prometheus.HistogramVec); ok {
			m.Latency = vec
		}
	})
	mustRegisterCollector(reg, m.InFlight, func(existing prometheus.Collector) {
		if g, ok := existing.(prometheus.Gauge); ok {
			m.InFlight = g
		}
	})
	return m
}

// DurationMillis converts a duration to milliseconds for metric observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
