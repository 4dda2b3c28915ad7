// Package metrics exposes Prometheus collectors for the hub connection.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "homedash"

// Metrics groups the collectors updated by the wire client and the connection manager.
type Metrics struct {
	Frames          *prometheus.CounterVec
	ConnectAttempts prometheus.Counter
	ConnectFailures prometheus.Counter
	Connected       prometheus.Gauge
	Entities        prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "WebSocket frames exchanged with the hub.",
		}, []string{"direction", "kind"}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection sequences started.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Connection sequences that failed.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while a live, subscribed hub connection exists.",
		}),
		Entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Entities currently held in the store.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Frames, m.ConnectAttempts, m.ConnectFailures, m.Connected, m.Entities)
	}
	return m
}

// Frame counts one frame.
func (m *Metrics) Frame(direction, kind string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(direction, kind).Inc()
}

// AttemptStarted counts one connection sequence.
func (m *Metrics) AttemptStarted() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

// AttemptFailed counts one failed connection sequence.
func (m *Metrics) AttemptFailed() {
	if m == nil {
		return
	}
	m.ConnectFailures.Inc()
}

// SetConnected records the live state.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// SetEntities records the store size.
func (m *Metrics) SetEntities(n int) {
	if m == nil {
		return
	}
	m.Entities.Set(float64(n))
}
