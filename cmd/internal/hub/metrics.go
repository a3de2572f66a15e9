package hub

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the hub's statistics surface. Prometheus collectors feed the
// /metrics endpoint; a parallel set of atomics backs the JSON /stats endpoint
// without going through a Gatherer.
type Metrics struct {
	started time.Time

	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	activeTopics      prometheus.Gauge
	messagesSent      *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec

	connsNow   atomic.Int64
	connsTotal atomic.Int64
	topicsNow  atomic.Int64
	sent       atomic.Int64
	dropped    atomic.Int64
	errs       atomic.Int64
}

// NewMetrics constructs and registers hub collectors on reg.
// A nil registerer yields metrics that only feed /stats, which keeps tests
// free of global collector state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: time.Now().UTC(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slidehub_active_connections",
			Help: "Currently open realtime connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slidehub_connections_total",
			Help: "Connections accepted since start.",
		}),
		activeTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slidehub_active_topics",
			Help: "Currently live topics across all kinds.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slidehub_messages_sent_total",
			Help: "Envelopes enqueued for delivery, by topic kind.",
		}, []string{"kind"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slidehub_messages_dropped_total",
			Help: "Envelopes shed by slow-consumer backpressure, by topic kind.",
		}, []string{"kind"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slidehub_errors_total",
			Help: "Error envelopes and internal faults, by component.",
		}, []string{"component"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.activeConnections,
			m.connectionsTotal,
			m.activeTopics,
			m.messagesSent,
			m.messagesDropped,
			m.errorsTotal,
		)
	}
	return m
}

// ConnOpened records an accepted connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
	m.connsNow.Add(1)
	m.connsTotal.Add(1)
}

// ConnClosed records a finished connection.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
	m.connsNow.Add(-1)
}

// TopicCreated records a new live topic.
func (m *Metrics) TopicCreated() {
	if m == nil {
		return
	}
	m.activeTopics.Inc()
	m.topicsNow.Add(1)
}

// TopicDestroyed records a torn-down topic.
func (m *Metrics) TopicDestroyed() {
	if m == nil {
		return
	}
	m.activeTopics.Dec()
	m.topicsNow.Add(-1)
}

// Broadcast records a fan-out result for one topic kind.
func (m *Metrics) Broadcast(kind string, delivered, dropped int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.messagesSent.WithLabelValues(kind).Add(float64(delivered))
		m.sent.Add(int64(delivered))
	}
	if dropped > 0 {
		m.messagesDropped.WithLabelValues(kind).Add(float64(dropped))
		m.dropped.Add(int64(dropped))
	}
}

// Sent records a direct (non-broadcast) envelope delivery.
func (m *Metrics) Sent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
	m.sent.Add(1)
}

// Error records an error attributed to a component.
func (m *Metrics) Error(component string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(component).Inc()
	m.errs.Add(1)
}

// Stats is the JSON shape served by /stats.
type Stats struct {
	ActiveConnections int64   `json:"active_connections"`
	TotalConnections  int64   `json:"total_connections"`
	ActiveTopics      int64   `json:"active_topics"`
	MessagesSent      int64   `json:"messages_sent"`
	MessagesDropped   int64   `json:"messages_dropped"`
	Errors            int64   `json:"errors"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// Snapshot returns current counters for the JSON stats surface.
func (m *Metrics) Snapshot(now time.Time) Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		ActiveConnections: m.connsNow.Load(),
		TotalConnections:  m.connsTotal.Load(),
		ActiveTopics:      m.topicsNow.Load(),
		MessagesSent:      m.sent.Load(),
		MessagesDropped:   m.dropped.Load(),
		Errors:            m.errs.Load(),
		UptimeSeconds:     now.Sub(m.started).Seconds(),
	}
}
