// Package observability exposes runtime metrics over Prometheus.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the runtime's instrument set. One instance lives for the
// process; handlers and components record through it.
type Metrics struct {
	registry *prometheus.Registry

	ChatTurns        *prometheus.CounterVec
	TurnDuration     prometheus.Histogram
	SessionsCreated  prometheus.Counter
	SessionsDeleted  prometheus.Counter
	AgentInstances   prometheus.GaugeFunc
	AgentEvictions   prometheus.Counter
	ToolExecutions   *prometheus.CounterVec
	PermissionWaits  *prometheus.CounterVec
	StreamDrops      prometheus.Counter
	StreamSubscribed prometheus.Gauge
}

// New builds the instrument set. instanceCount feeds the agent-instances
// gauge on scrape.
func New(instanceCount func() float64) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		ChatTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_chat_turns_total",
			Help: "Chat turns by outcome.",
		}, []string{"outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_turn_duration_seconds",
			Help:    "End-to-end chat turn duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_sessions_created_total",
			Help: "Sessions created.",
		}),
		SessionsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_sessions_deleted_total",
			Help: "Sessions deleted or archived.",
		}),
		AgentEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_agent_evictions_total",
			Help: "Agent instances evicted by TTL or capacity pressure.",
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_tool_executions_total",
			Help: "Tool executions by terminal status.",
		}, []string{"status"}),
		PermissionWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_permission_requests_total",
			Help: "Consent requests by terminal state.",
		}, []string{"state"}),
		StreamDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_stream_dropped_events_total",
			Help: "Events shed from full subscriber queues.",
		}),
		StreamSubscribed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parley_stream_subscribers",
			Help: "Currently attached push-stream subscribers.",
		}),
	}

	m.AgentInstances = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "parley_agent_instances",
		Help: "Live agent instances.",
	}, instanceCount)

	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
