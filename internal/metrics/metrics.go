package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionsDestroyed *prometheus.CounterVec

	// Agent runtime metrics
	AgentsSpawnedTotal *prometheus.CounterVec
	AgentSpawnErrors   *prometheus.CounterVec
	AgentCrashesTotal  prometheus.Counter

	// Conversation metrics
	ThreadsCreatedTotal prometheus.Counter
	MessagesSentTotal   prometheus.Counter
	MentionWaitDuration prometheus.Histogram

	// Tool metrics
	ToolCallsTotal *prometheus.CounterVec

	// Federation metrics
	ClaimsCreatedTotal  prometheus.Counter
	ClaimsExecutedTotal prometheus.Counter
	RelayFramesTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessions_active",
				Help: "Number of currently active sessions",
			},
		),
		SessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessions_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsDestroyed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessions_destroyed_total",
				Help: "Total number of sessions destroyed, by close mode",
			},
			[]string{"mode"},
		),

		AgentsSpawnedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agents_spawned_total",
				Help: "Total number of agent runtimes spawned, by runtime kind",
			},
			[]string{"runtime"},
		),
		AgentSpawnErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_spawn_errors_total",
				Help: "Total number of failed agent spawns, by runtime kind",
			},
			[]string{"runtime"},
		),
		AgentCrashesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_crashes_total",
				Help: "Total number of agent runtimes that stopped unexpectedly",
			},
		),

		ThreadsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "threads_created_total",
				Help: "Total number of threads created",
			},
		),
		MessagesSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "messages_sent_total",
				Help: "Total number of messages appended to threads",
			},
		),
		MentionWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mention_wait_duration_seconds",
				Help:    "Time agents spend blocked in wait-for-mentions",
				Buckets: prometheus.DefBuckets,
			},
		),

		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_calls_total",
				Help: "Total number of tool calls, by tool and status",
			},
			[]string{"tool", "status"},
		),

		ClaimsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "claims_created_total",
				Help: "Total number of federation claims created",
			},
		),
		ClaimsExecutedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "claims_executed_total",
				Help: "Total number of federation claims executed",
			},
		),
		RelayFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_total",
				Help: "Total number of frames relayed across the federation bridge, by direction",
			},
			[]string{"direction"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.SessionsActive)
	m.registry.MustRegister(m.SessionsTotal)
	m.registry.MustRegister(m.SessionsDestroyed)

	m.registry.MustRegister(m.AgentsSpawnedTotal)
	m.registry.MustRegister(m.AgentSpawnErrors)
	m.registry.MustRegister(m.AgentCrashesTotal)

	m.registry.MustRegister(m.ThreadsCreatedTotal)
	m.registry.MustRegister(m.MessagesSentTotal)
	m.registry.MustRegister(m.MentionWaitDuration)

	m.registry.MustRegister(m.ToolCallsTotal)

	m.registry.MustRegister(m.ClaimsCreatedTotal)
	m.registry.MustRegister(m.ClaimsExecutedTotal)
	m.registry.MustRegister(m.RelayFramesTotal)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
