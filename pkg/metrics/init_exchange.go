package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initExchangeMetrics() {
	r.ExchangeMessagesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "gnnhalo_exchange_messages_total",
			Help: "Messages exchanged with neighbour ranks",
		},
		[]string{"phase", "direction"}, // direction: sent, received
	)

	r.ExchangeBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "gnnhalo_exchange_bytes_total",
			Help: "Payload bytes exchanged with neighbour ranks",
		},
		[]string{"phase", "direction"},
	)

	r.ExchangeDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gnnhalo_exchange_duration_seconds",
			Help:    "Wall time of one exchange across all neighbour channels",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"phase"},
	)

	r.HandshakeDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gnnhalo_topology_handshake_duration_seconds",
			Help:    "Wall time of the per-step topology handshake",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)
}
