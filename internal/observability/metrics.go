package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshd",
			Subsystem: "guardian",
			Name:      "heartbeats_total",
			Help:      "Heartbeat polls by outcome.",
		},
		[]string{"node", "outcome"},
	)
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshd",
			Subsystem: "guardian",
			Name:      "status_transitions_total",
			Help:      "Node status transitions applied by the coordinator.",
		},
		[]string{"node", "status"},
	)
	replicationTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshd",
			Subsystem: "replication",
			Name:      "tasks_total",
			Help:      "Replication tasks by terminal state.",
		},
		[]string{"state"},
	)
	replicationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshd",
			Subsystem: "replication",
			Name:      "task_duration_seconds",
			Help:      "Replication task duration from dispatch to terminal state.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"state"},
	)
	routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshd",
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Routing decisions by outcome.",
		},
		[]string{"task_kind", "outcome"},
	)
	nodeLoad = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshd",
			Subsystem: "node",
			Name:      "load",
			Help:      "Last reported node utilization in [0,1].",
		},
		[]string{"node"},
	)
	nodeLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshd",
			Subsystem: "node",
			Name:      "latency_ms",
			Help:      "Last observed round-trip latency per node.",
		},
		[]string{"node"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Admin API requests by route and status.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			heartbeats,
			statusTransitions,
			replicationTasks,
			replicationDuration,
			routingDecisions,
			nodeLoad,
			nodeLatency,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordHeartbeat(node, outcome string) {
	RegisterMetrics()
	heartbeats.WithLabelValues(node, outcome).Inc()
}

func RecordStatusTransition(node, status string) {
	RegisterMetrics()
	statusTransitions.WithLabelValues(node, status).Inc()
}

func RecordReplication(state string, duration time.Duration) {
	RegisterMetrics()
	replicationTasks.WithLabelValues(state).Inc()
	replicationDuration.WithLabelValues(state).Observe(duration.Seconds())
}

func RecordRouting(taskKind, outcome string) {
	RegisterMetrics()
	routingDecisions.WithLabelValues(taskKind, outcome).Inc()
}

func RecordNodeGauges(node string, load float64, latencyMS int64) {
	RegisterMetrics()
	nodeLoad.WithLabelValues(node).Set(load)
	nodeLatency.WithLabelValues(node).Set(float64(latencyMS))
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	httpRequests.WithLabelValues(node, method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(node, method, path).Observe(duration.Seconds())
}
