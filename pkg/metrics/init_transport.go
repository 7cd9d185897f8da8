package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTransportMetrics() {
	r.TransportDeviceDirect = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "gnnhalo_transport_device_direct",
			Help: "1 when buffers are exchanged device-direct, 0 when host-staged",
		},
	)

	r.TransportStagedBytes = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "gnnhalo_transport_staged_bytes_total",
			Help: "Bytes copied through host staging buffers",
		},
	)

	r.TransportBufferPoolSize = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "gnnhalo_transport_buffer_pool_bytes",
			Help: "Capacity held by grow-only transport buffers",
		},
	)
}
