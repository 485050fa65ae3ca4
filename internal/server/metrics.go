package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mitander/lockframe/internal/wire"
)

type hubMetrics struct {
	activeSessions   prometheus.Gauge
	sessionTotal     prometheus.Counter
	frameErrors      *prometheus.CounterVec
	frameLatency     *prometheus.HistogramVec
	logEntries       prometheus.Counter
	backpressure     prometheus.Counter
	idleEvictions    prometheus.Counter
	orderingOverflow prometheus.Counter
}

// newHubMetrics registers the hub's collectors. roomCount is sampled lazily
// through a GaugeFunc so the gauge never drifts from the room table.
func newHubMetrics(reg prometheus.Registerer, roomCount func() float64) *hubMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &hubMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lockframe_sessions_active",
			Help: "Current number of live sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockframe_sessions_total",
			Help: "Total number of sessions accepted since start.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lockframe_frame_errors_total",
			Help: "Rejected frames grouped by protocol error code.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lockframe_frame_latency_seconds",
			Help:    "Latency for dispatching inbound frames.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		logEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockframe_log_entries_total",
			Help: "Entries appended to the ordered room log.",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockframe_backpressure_disconnects_total",
			Help: "Sessions disconnected because their send buffer overflowed.",
		}),
		idleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockframe_idle_evictions_total",
			Help: "Sessions disconnected by the idle housekeeping sweep.",
		}),
		orderingOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockframe_ordering_overflow_total",
			Help: "Frames refused because a room's ordering counter is exhausted.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.frameErrors,
		m.frameLatency,
		m.logEntries,
		m.backpressure,
		m.idleEvictions,
		m.orderingOverflow,
	)
	if roomCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lockframe_rooms_active",
			Help: "Current number of rooms with in-memory state.",
		}, roomCount))
	}
	return m
}

func (m *hubMetrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *hubMetrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *hubMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *hubMetrics) recordError(code uint16) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(fmt.Sprintf("0x%04x", code)).Inc()
	if code == wire.CodeOrderingOverflow {
		m.orderingOverflow.Inc()
	}
}

func (m *hubMetrics) recordLogEntry() {
	if m == nil {
		return
	}
	m.logEntries.Inc()
}

func (m *hubMetrics) recordBackpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}

func (m *hubMetrics) recordIdleEviction() {
	if m == nil {
		return
	}
	m.idleEvictions.Inc()
}
