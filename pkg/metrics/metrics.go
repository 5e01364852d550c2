// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so multiple gateways (and tests) never
// collide on metric registration.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	modelLoads      *prometheus.CounterVec
	modelEvictions  *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	loadedModels    prometheus.Gauge
}

// New builds the metric set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemonade",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status code",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lemonade",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds, by route",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"route"}),
		modelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemonade",
			Subsystem: "models",
			Name:      "loads_total",
			Help:      "Model load attempts, by recipe and outcome",
		}, []string{"recipe", "outcome"}),
		modelEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemonade",
			Subsystem: "models",
			Name:      "evictions_total",
			Help:      "Model evictions, by reason",
		}, []string{"reason"}),
		downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemonade",
			Subsystem: "downloads",
			Name:      "total",
			Help:      "Model downloads, by outcome",
		}, []string{"outcome"}),
		loadedModels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lemonade",
			Subsystem: "models",
			Name:      "loaded",
			Help:      "Number of currently loaded models",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveLoad records one model load attempt.
func (m *Metrics) ObserveLoad(recipe string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.modelLoads.WithLabelValues(recipe, outcome).Inc()
}

// ObserveEviction records one eviction with its reason.
func (m *Metrics) ObserveEviction(reason string) {
	m.modelEvictions.WithLabelValues(reason).Inc()
}

// ObserveDownload records one completed or failed download.
func (m *Metrics) ObserveDownload(err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.downloads.WithLabelValues(outcome).Inc()
}

// SetLoadedModels tracks the live pool size.
func (m *Metrics) SetLoadedModels(n int) {
	m.loadedModels.Set(float64(n))
}
