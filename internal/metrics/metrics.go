// Package metrics exposes the ambient Prometheus counters and gauges for
// the chat server. Metrics are optional observability: nothing in the
// protocol depends on them. A nil *Metrics is not usable on its own;
// internal/server checks its Metrics field for nil and skips every
// observation when it is.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors the server increments during normal
// operation. Construct with New, which registers every collector on its
// own *prometheus.Registry; Registerer() returns that registry.
type Metrics struct {
	reg *prometheus.Registry

	ConnectionsTotal     prometheus.Counter
	ActiveConnections    prometheus.Gauge
	MessagesTotal        *prometheus.CounterVec
	RateLimitDenials     prometheus.Counter
	AuthAttemptsTotal    *prometheus.CounterVec
}

// New constructs a Metrics bundle and registers all collectors against a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total accepted TCP connections.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_connections",
			Help: "Currently open connections.",
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat-producing frames processed, by kind.",
		}, []string{"kind"}),
		RateLimitDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_rate_limit_denials_total",
			Help: "Requests denied by the per-connection rate limiter.",
		}),
		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_auth_attempts_total",
			Help: "Authentication attempts, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ActiveConnections,
		m.MessagesTotal,
		m.RateLimitDenials,
		m.AuthAttemptsTotal,
	)
	return m
}

// Registerer exposes the underlying registry for an HTTP /metrics handler.
func (m *Metrics) Registerer() *prometheus.Registry {
	return m.reg
}
