// Package metrics collects host counters on a dedicated Prometheus
// registry, served by the inspection listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the host records into. All methods
// are safe on a nil receiver so wiring metrics stays optional.
type Metrics struct {
	registry *prometheus.Registry

	commands   *prometheus.CounterVec
	events     prometheus.Counter
	sessions   prometheus.Gauge
	oauthFlows prometheus.Gauge
}

// New creates the instrument set on its own registry, keeping the
// default global registry (and its go runtime collectors) out of the
// protocol process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		commands: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenthost",
			Name:      "commands_total",
			Help:      "Commands processed, by command type and outcome.",
		}, []string{"command", "outcome"}),
		events: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "agenthost",
			Name:      "session_events_total",
			Help:      "Session events fanned out to the output stream.",
		}),
		sessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "agenthost",
			Name:      "sessions",
			Help:      "Live agent sessions.",
		}),
		oauthFlows: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "agenthost",
			Name:      "oauth_flows",
			Help:      "OAuth login flows started and not yet evicted.",
		}),
	}
}

// Command records one processed command with its outcome.
func (m *Metrics) Command(command string, success bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}

// Event records one fanned-out session event.
func (m *Metrics) Event() {
	if m == nil {
		return
	}
	m.events.Inc()
}

// SetSessions records the current live session count.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// SetOAuthFlows records the current live flow count.
func (m *Metrics) SetOAuthFlows(n int) {
	if m == nil {
		return
	}
	m.oauthFlows.Set(float64(n))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
