package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the metrics of one evaluator process. Every rank owns its
// registry; there is no package-level instance.
type Registry struct {
	// Exchange Metrics
	ExchangeMessagesTotal *prometheus.CounterVec
	ExchangeBytesTotal    *prometheus.CounterVec
	ExchangeDuration      *prometheus.HistogramVec
	HandshakeDuration     prometheus.Histogram

	// Evaluation Metrics
	StepsTotal         *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	LayerDuration      *prometheus.HistogramVec
	LocalAtoms         prometheus.Gauge
	GhostAtoms         prometheus.Gauge
	Edges              *prometheus.GaugeVec
	ErrorsTotal        *prometheus.CounterVec

	// Transport Metrics
	TransportDeviceDirect   prometheus.Gauge
	TransportStagedBytes    prometheus.Counter
	TransportBufferPoolSize prometheus.Gauge

	// System Metrics
	UptimeSeconds prometheus.Gauge
	GoRoutines    prometheus.Gauge

	registry *prometheus.Registry
}

// NewRegistry creates a new metrics registry with all metrics initialized.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initExchangeMetrics()
	r.initEvaluationMetrics()
	r.initTransportMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
