package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records relay activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	keyExchanges   *prometheus.CounterVec
	events         *prometheus.CounterVec
	errors         *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	roomsCreated   prometheus.Counter
	roomsReclaimed prometheus.Counter
	dispatch       *prometheus.HistogramVec
}

// NewMetrics creates the relay collectors and registers them with reg
// (the default registerer when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		keyExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherroom_key_exchanges_total",
			Help: "Session key exchanges grouped by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherroom_events_total",
			Help: "Inbound events grouped by event name.",
		}, []string{"event"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherroom_errors_total",
			Help: "Errors reported to connections grouped by kind.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cipherroom_fanout_deliveries_total",
			Help: "Per-recipient fan-out outcomes.",
		}, []string{"result"}),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherroom_rooms_created_total",
			Help: "Rooms created since start.",
		}),
		roomsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cipherroom_rooms_reclaimed_total",
			Help: "Empty rooms reclaimed by the janitor.",
		}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cipherroom_dispatch_seconds",
			Help:    "Time spent handling one inbound event, fan-out included.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.keyExchanges,
		m.events,
		m.errors,
		m.deliveries,
		m.roomsCreated,
		m.roomsReclaimed,
		m.dispatch,
	)
	return m
}

func (m *Metrics) recordKeyExchange(result string) {
	if m == nil {
		return
	}
	m.keyExchanges.WithLabelValues(result).Inc()
}

func (m *Metrics) recordEvent(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordDelivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) recordRoomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
}

func (m *Metrics) recordReclaimed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.roomsReclaimed.Add(float64(n))
}

func (m *Metrics) observeDispatch(event string, dur time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(event).Observe(dur.Seconds())
}
