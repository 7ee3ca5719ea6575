// Package telemetry wires structured logging, Prometheus metrics, and
// OpenTelemetry provider setup. No spans are started around hook dispatch
// or the connection lifecycle.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewRegistry builds a fresh Prometheus registry carrying the standard Go
// runtime and process collectors. A dedicated registry rather than the
// global default, so /metrics only ever exposes what sentrywire itself
// registers.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Metrics holds every Prometheus metric sentrywire registers.
type Metrics struct {
	ConnectionsActive *prometheus.GaugeVec
	HooksInvokedTotal *prometheus.CounterVec
	PluginsLoaded     prometheus.Gauge
	PluginFaultsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers every metric against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sentrywire",
				Name:      "connections_active",
				Help:      "Number of open TCP connections currently being proxied",
			},
			[]string{"side"}, // side=network|service
		),
		HooksInvokedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentrywire",
				Name:      "hooks_invoked_total",
				Help:      "Total plugin hook invocations",
			},
			[]string{"hook", "outcome"}, // outcome=ok|fault
		),
		PluginsLoaded: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sentrywire",
				Name:      "plugins_loaded",
				Help:      "Number of plugins currently loaded",
			},
		),
		PluginFaultsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentrywire",
				Name:      "plugin_faults_total",
				Help:      "Total plugin faults that caused an unload",
			},
			[]string{"plugin"},
		),
	}
}
