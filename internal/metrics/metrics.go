// Package metrics exposes Prometheus collectors for sessions, connections
// and line discipline traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peterje/ttymux/internal/ldisc"
	"github.com/peterje/ttymux/internal/session"
)

const namespace = "ttymux"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	sessions    prometheus.Gauge
	allocated   prometheus.Counter
	removed     prometheus.Counter
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	inputBytes  prometheus.Counter
	lines       prometheus.Counter
	events      *prometheus.CounterVec
}

// New registers the collectors with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newWith(reg, reg)
}

func newWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: g,
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of live sessions.",
		}),
		allocated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_allocated_total",
			Help:      "Sessions allocated since start.",
		}),
		removed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_removed_total",
			Help:      "Sessions removed since start.",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open protocol connections.",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Protocol frames received, by type.",
		}, []string{"type"}),
		inputBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_total",
			Help:      "Bytes fed through the line discipline.",
		}),
		lines: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_drained_total",
			Help:      "Outbound entries handed to readers.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_events_total",
			Help:      "Control events produced by the line discipline, by kind.",
		}, []string{"kind"}),
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SessionAllocated implements registry.Observer.
func (m *Metrics) SessionAllocated(*session.Session) {
	if m == nil {
		return
	}
	m.sessions.Inc()
	m.allocated.Inc()
}

// SessionRemoved implements registry.Observer.
func (m *Metrics) SessionRemoved(session.ID) {
	if m == nil {
		return
	}
	m.sessions.Dec()
	m.removed.Inc()
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// Frame counts one received frame of the named type.
func (m *Metrics) Frame(typ string) {
	if m != nil {
		m.frames.WithLabelValues(typ).Inc()
	}
}

// Input records bytes consumed and the events they produced.
func (m *Metrics) Input(n int, events []ldisc.Event) {
	if m == nil {
		return
	}
	m.inputBytes.Add(float64(n))
	for _, ev := range events {
		m.events.WithLabelValues(ev.Kind.String()).Inc()
	}
}

// LineDrained counts one entry handed to a reader.
func (m *Metrics) LineDrained() {
	if m != nil {
		m.lines.Inc()
	}
}
