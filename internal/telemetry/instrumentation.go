package telemetry

import (
	"github.com/sentrywire/sentrywire/internal/domain/plugin"
	"github.com/sentrywire/sentrywire/internal/domain/proxy"
)

// PluginInstrumentation adapts Metrics to plugin.Instrumentation, so a
// plugin.Manager can report dispatch events without depending on Prometheus
// itself.
type PluginInstrumentation struct {
	metrics *Metrics
}

// NewPluginInstrumentation wraps m for use as a plugin.Manager's Instrumentation.
func NewPluginInstrumentation(m *Metrics) *PluginInstrumentation {
	return &PluginInstrumentation{metrics: m}
}

var _ plugin.Instrumentation = (*PluginInstrumentation)(nil)

func (p *PluginInstrumentation) HookInvoked(hook plugin.HookName, outcome string) {
	p.metrics.HooksInvokedTotal.WithLabelValues(string(hook), outcome).Inc()
}

func (p *PluginInstrumentation) PluginFaulted(name string) {
	p.metrics.PluginFaultsTotal.WithLabelValues(name).Inc()
}

func (p *PluginInstrumentation) PluginsLoaded(n int) {
	p.metrics.PluginsLoaded.Set(float64(n))
}

// ProxyInstrumentation adapts Metrics to proxy.Instrumentation, so a Proxy
// can report connection lifecycle events without depending on Prometheus
// itself.
type ProxyInstrumentation struct {
	metrics *Metrics
}

// NewProxyInstrumentation wraps m for use as a Proxy's Instrumentation.
func NewProxyInstrumentation(m *Metrics) *ProxyInstrumentation {
	return &ProxyInstrumentation{metrics: m}
}

var _ proxy.Instrumentation = (*ProxyInstrumentation)(nil)

func (p *ProxyInstrumentation) ConnectionOpened(side string) {
	p.metrics.ConnectionsActive.WithLabelValues(side).Inc()
}

func (p *ProxyInstrumentation) ConnectionClosed(side string) {
	p.metrics.ConnectionsActive.WithLabelValues(side).Dec()
}
