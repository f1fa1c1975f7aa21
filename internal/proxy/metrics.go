package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports proxy request counters and upstream latency in Prometheus format. A nil
// *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
}

// NewMetrics creates Metrics on its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatwebui",
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Total number of chat requests by provider and response status",
			},
			[]string{"provider", "status"},
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "chatwebui",
				Subsystem: "proxy",
				Name:      "upstream_duration_seconds",
				Help:      "Duration of upstream streams in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
	}
	m.registry.MustRegister(m.requests, m.upstreamLatency)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) countRequest(provider string, status int) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "none"
	}
	m.requests.WithLabelValues(provider, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeUpstream(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(provider).Observe(d.Seconds())
}
