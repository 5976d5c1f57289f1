// Package metric provides Prometheus metrics for kvrocks.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all application metrics.
type Registry struct {
	// Connection metrics
	ConnectedClients  prometheus.Gauge
	MonitorClients    prometheus.Gauge
	AdmissionsRefused *prometheus.CounterVec
	IdleKickouts      prometheus.Counter
	ClientsKilled     prometheus.Counter

	// Command metrics
	CommandsProcessed *prometheus.CounterVec

	reg *prometheus.Registry
}

// NewRegistry creates a new metrics registry with all collectors
// registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvrocks",
			Name:      "connected_clients",
			Help:      "Number of currently connected clients across all workers.",
		}),
		MonitorClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvrocks",
			Name:      "monitor_clients",
			Help:      "Number of connections in monitor mode.",
		}),
		AdmissionsRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvrocks",
			Name:      "admissions_refused_total",
			Help:      "Connections refused at admission, by reason.",
		}, []string{"reason"}),
		IdleKickouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvrocks",
			Name:      "idle_kickouts_total",
			Help:      "Connections destroyed by the periodic idle scan.",
		}),
		ClientsKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvrocks",
			Name:      "clients_killed_total",
			Help:      "Connections closed via CLIENT KILL.",
		}),
		CommandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvrocks",
			Name:      "commands_processed_total",
			Help:      "Commands dispatched by the command engine, by name.",
		}, []string{"cmd"}),
		reg: reg,
	}

	reg.MustRegister(
		r.ConnectedClients,
		r.MonitorClients,
		r.AdmissionsRefused,
		r.IdleKickouts,
		r.ClientsKilled,
		r.CommandsProcessed,
	)

	return r
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
