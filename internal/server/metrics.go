package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks connection-level activity. A nil *Metrics records nothing.
type Metrics struct {
	active      prometheus.Gauge
	total       prometheus.Counter
	closed      *prometheus.CounterVec
	rateLimited prometheus.Counter
}

// NewMetrics registers the connection collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cipherroom_connections_active",
			Help: "Currently registered WebSocket connections.",
		}),
		total: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherroom_connections_total",
			Help: "WebSocket connections accepted since start.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherroom_connections_closed_total",
			Help: "Closed connections grouped by reason.",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherroom_rate_limited_total",
			Help: "Inbound frames discarded by the per-connection rate limiter.",
		}),
	}
	reg.MustRegister(m.active, m.total, m.closed, m.rateLimited)
	return m
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.total.Inc()
	m.active.Inc()
}

func (m *Metrics) connectionClosed(reason string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.closed.WithLabelValues(reason).Inc()
}

func (m *Metrics) frameRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
