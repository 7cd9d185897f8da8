package metrics

import (
	"runtime"
	"strconv"
	"time"
)

// Record helpers are no-ops on a nil *Registry so components can run
// without metrics wired.

// RecordSent counts one outgoing message of n payload bytes.
func (r *Registry) RecordSent(phase string, n int) {
	if r == nil {
		return
	}
	r.ExchangeMessagesTotal.WithLabelValues(phase, "sent").Inc()
	r.ExchangeBytesTotal.WithLabelValues(phase, "sent").Add(float64(n))
}

// RecordReceived counts one incoming message of n payload bytes.
func (r *Registry) RecordReceived(phase string, n int) {
	if r == nil {
		return
	}
	r.ExchangeMessagesTotal.WithLabelValues(phase, "received").Inc()
	r.ExchangeBytesTotal.WithLabelValues(phase, "received").Add(float64(n))
}

// ObserveExchange records the duration of one complete exchange.
func (r *Registry) ObserveExchange(phase string, d time.Duration) {
	if r == nil {
		return
	}
	r.ExchangeDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveHandshake records the duration of one topology handshake.
func (r *Registry) ObserveHandshake(d time.Duration) {
	if r == nil {
		return
	}
	r.HandshakeDuration.Observe(d.Seconds())
}

// RecordStep records a finished step.
func (r *Registry) RecordStep(ok bool, d time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.StepsTotal.WithLabelValues(result).Inc()
	if ok {
		r.EvaluationDuration.Observe(d.Seconds())
	}
}

// ObserveLayer records one layer's compute time.
func (r *Registry) ObserveLayer(layer int, d time.Duration) {
	if r == nil {
		return
	}
	r.LayerDuration.WithLabelValues(strconv.Itoa(layer)).Observe(d.Seconds())
}

// SetGraphSize publishes the atom and per-layer edge counts of the current step.
func (r *Registry) SetGraphSize(local, ghost int, edgesPerLayer []int) {
	if r == nil {
		return
	}
	r.LocalAtoms.Set(float64(local))
	r.GhostAtoms.Set(float64(ghost))
	for k, n := range edgesPerLayer {
		r.Edges.WithLabelValues(strconv.Itoa(k)).Set(float64(n))
	}
}

// RecordError counts a fatal error of the given kind.
func (r *Registry) RecordError(kind string) {
	if r == nil {
		return
	}
	r.ErrorsTotal.WithLabelValues(kind).Inc()
}

// SetTransportMode publishes whether buffers go device-direct.
func (r *Registry) SetTransportMode(deviceDirect bool) {
	if r == nil {
		return
	}
	if deviceDirect {
		r.TransportDeviceDirect.Set(1)
	} else {
		r.TransportDeviceDirect.Set(0)
	}
}

// RecordStaged counts bytes copied through a host staging buffer.
func (r *Registry) RecordStaged(n int) {
	if r == nil {
		return
	}
	r.TransportStagedBytes.Add(float64(n))
}

// SetBufferPoolSize publishes the capacity held by the transport buffer pool.
func (r *Registry) SetBufferPoolSize(bytes int) {
	if r == nil {
		return
	}
	r.TransportBufferPoolSize.Set(float64(bytes))
}

// UpdateSystemMetrics refreshes uptime and goroutine gauges.
func (r *Registry) UpdateSystemMetrics(started time.Time) {
	if r == nil {
		return
	}
	r.UptimeSeconds.Set(time.Since(started).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
}
