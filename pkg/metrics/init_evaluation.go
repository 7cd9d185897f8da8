package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEvaluationMetrics() {
	r.StepsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "gnnhalo_steps_total",
			Help: "Evaluated MD steps",
		},
		[]string{"result"}, // ok, failed
	)

	r.EvaluationDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gnnhalo_evaluation_duration_seconds",
			Help:    "Wall time of one step from topology build to reduced gradients",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	r.LayerDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gnnhalo_layer_duration_seconds",
			Help:    "Wall time of one layer's local compute",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"layer"},
	)

	r.LocalAtoms = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "gnnhalo_local_atoms",
			Help: "Atoms owned by this rank in the last step",
		},
	)

	r.GhostAtoms = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "gnnhalo_ghost_atoms",
			Help: "Ghost atoms held by this rank in the last step",
		},
	)

	r.Edges = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gnnhalo_edges",
			Help: "Directed edges per layer in the last step",
		},
		[]string{"layer"},
	)

	r.ErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "gnnhalo_errors_total",
			Help: "Fatal evaluation errors by kind",
		},
		[]string{"kind"},
	)
}
