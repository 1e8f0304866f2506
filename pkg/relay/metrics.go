package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's collectors on a private registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	Sessions        prometheus.Gauge
	Messages        *prometheus.CounterVec
	ChangesApplied  prometheus.Counter
	ChangesRejected prometheus.Counter
	Rooms           prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diagram_relay",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "status"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "diagram_relay",
			Name:      "sessions",
			Help:      "Number of authenticated websocket sessions",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diagram_relay",
			Name:      "messages_received_total",
			Help:      "Messages received from clients by type",
		}, []string{"type"}),
		ChangesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diagram_relay",
			Name:      "changes_applied_total",
			Help:      "Changes applied to room graphs and broadcast",
		}),
		ChangesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diagram_relay",
			Name:      "changes_rejected_total",
			Help:      "Submitted changes rejected as invalid",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "diagram_relay",
			Name:      "rooms",
			Help:      "Number of diagrams held in memory",
		}),
	}
	m.registry.MustRegister(m.HTTPRequests, m.Sessions, m.Messages, m.ChangesApplied, m.ChangesRejected, m.Rooms)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
