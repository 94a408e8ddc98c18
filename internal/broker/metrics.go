package broker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors exposed on the broker's
// /metrics endpoint: waiting-worker count, per-service queue depth, and
// dispatch totals.
type Metrics struct {
	registry *prometheus.Registry

	waitingWorkers prometheus.Gauge
	queueDepth     *prometheus.GaugeVec
	dispatchTotal  *prometheus.CounterVec
}

// NewMetrics builds and registers the broker's collectors under the
// given namespace.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		waitingWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_workers",
			Help:      "Number of workers currently idle and eligible for dispatch",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_queue_depth",
			Help:      "Current pending request count per service",
		}, []string{"service"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total requests dispatched to a worker, per service",
		}, []string{"service"}),
	}

	registry.MustRegister(m.waitingWorkers, m.queueDepth, m.dispatchTotal)
	return m
}

func (m *Metrics) setWaitingWorkers(n int) {
	m.waitingWorkers.Set(float64(n))
}

func (m *Metrics) setQueueDepth(service string, depth int) {
	m.queueDepth.WithLabelValues(service).Set(float64(depth))
}

func (m *Metrics) incDispatched(service string) {
	m.dispatchTotal.WithLabelValues(service).Inc()
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
