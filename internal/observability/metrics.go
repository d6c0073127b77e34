package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Prometheus collectors shared across TaskQueue,
// RateLimiter, and HubFSM. Grounded on the teacher's repositoryMetrics
// struct in pkg/repository/postgres/task_repository.go: one
// CounterVec per outcome family, one HistogramVec for latencies, one
// GaugeVec for point-in-time levels.
type Metrics struct {
	QueueOps         *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	AssignLatency    prometheus.Histogram
	RateLimitDenied  *prometheus.CounterVec
	FSMStateSeconds  *prometheus.CounterVec
	FSMTransitions   *prometheus.CounterVec
	SessionMessages  *prometheus.CounterVec
	EventBusDropped  *prometheus.CounterVec
}

// NewMetrics registers all collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid global-registry
// collisions across parallel test packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcom",
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "TaskQueue operations by op and outcome.",
		}, []string{"op", "outcome"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentcom",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of tasks per status and priority lane.",
		}, []string{"status", "priority"}),
		AssignLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentcom",
			Subsystem: "scheduler",
			Name:      "assign_latency_seconds",
			Help:      "Time from task_submitted to task_assigned.",
			Buckets:   prometheus.DefBuckets,
		}),
		RateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcom",
			Subsystem: "ratelimit",
			Name:      "denied_total",
			Help:      "Rate limit denials by tier.",
		}, []string{"tier", "channel"}),
		FSMStateSeconds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcom",
			Subsystem: "hubfsm",
			Name:      "state_seconds_total",
			Help:      "Cumulative seconds spent in each HubFSM state.",
		}, []string{"state"}),
		FSMTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcom",
			Subsystem: "hubfsm",
			Name:      "transitions_total",
			Help:      "HubFSM transitions by from/to state.",
		}, []string{"from", "to"}),
		SessionMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcom",
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "Wire protocol messages by type and direction.",
		}, []string{"type", "direction"}),
		EventBusDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcom",
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Events dropped from a full subscriber queue, by topic.",
		}, []string{"topic"}),
	}
}
