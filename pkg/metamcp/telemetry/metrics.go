// Package telemetry exposes the gateway's runtime state as Prometheus
// metrics: a Collector that samples the live session registry and the
// upstream connection pool on every scrape, plus the /metrics HTTP
// handler that serves them.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/metamcp/pkg/metamcp/pool"
	"github.com/stacklok/metamcp/pkg/metamcp/session"
)

var (
	activeSessionsDesc = prometheus.NewDesc(
		"metamcp_session_active_sessions",
		"Currently registered live downstream sessions.",
		nil, nil,
	)
	sessionsByTransportDesc = prometheus.NewDesc(
		"metamcp_session_active_sessions_by_transport",
		"Currently registered live downstream sessions, by transport.",
		[]string{"transport"}, nil,
	)
	upstreamConnectionsDesc = prometheus.NewDesc(
		"metamcp_pool_upstream_connections",
		"Upstream MCP server connections, by lifecycle state.",
		[]string{"state"}, nil,
	)
	namespaceIdleSlotsDesc = prometheus.NewDesc(
		"metamcp_pool_namespace_idle_slots",
		"Namespace idle composed-session slots currently held.",
		nil, nil,
	)
)

// Collector samples a session.Registry and the pool's live state on every
// Prometheus scrape. It holds no counters of its own: Collect always
// reflects the collaborators' current state, read through Registry.Stats
// and NamespacePool.GetPoolStatus.
type Collector struct {
	sessions  *session.Registry
	namespace *pool.NamespacePool
}

// NewCollector builds a Collector over the given registry and namespace
// pool. Either may be nil, in which case its metrics are simply omitted
// from each scrape.
func NewCollector(sessions *session.Registry, namespace *pool.NamespacePool) *Collector {
	return &Collector{sessions: sessions, namespace: namespace}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- activeSessionsDesc
	ch <- sessionsByTransportDesc
	ch <- upstreamConnectionsDesc
	ch <- namespaceIdleSlotsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		stats := c.sessions.Stats()
		ch <- prometheus.MustNewConstMetric(activeSessionsDesc, prometheus.GaugeValue, float64(stats.Total))
		for transport, count := range stats.ByTransport {
			ch <- prometheus.MustNewConstMetric(sessionsByTransportDesc, prometheus.GaugeValue, float64(count), string(transport))
		}
	}

	if c.namespace == nil {
		return
	}
	status := c.namespace.GetPoolStatus()
	ch <- prometheus.MustNewConstMetric(namespaceIdleSlotsDesc, prometheus.GaugeValue, float64(status.Idle))

	byState := map[pool.ServerState]int{
		pool.ServerActive: status.Active,
		pool.ServerIdle:   len(status.IdleServerIDs),
	}
	for state, count := range byState {
		ch <- prometheus.MustNewConstMetric(upstreamConnectionsDesc, prometheus.GaugeValue, float64(count), string(state))
	}
}

var _ prometheus.Collector = (*Collector)(nil)

// Handler registers collector against a fresh registry, alongside the
// process and Go runtime collectors, and returns the resulting /metrics
// HTTP handler.
func Handler(collector *Collector) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
