package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry / load balancer metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_registry_instances_total",
			Help: "Total number of registered service instances by service and status",
		},
		[]string{"service", "status"},
	)

	SelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_lb_selections_total",
			Help: "Total number of load-balancer selections by service and algorithm",
		},
		[]string{"service", "algorithm"},
	)

	SelectionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_lb_selection_failures_total",
			Help: "Total number of selections that found no healthy candidate",
		},
		[]string{"service"},
	)

	HealthCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fabric_health_check_duration_seconds",
			Help:    "Time taken to execute a single health probe in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealthTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_health_transitions_total",
			Help: "Total number of instance health status transitions",
		},
		[]string{"from", "to"},
	)

	// Mesh controller metrics
	MeshCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_mesh_calls_total",
			Help: "Total number of mesh calls by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	MeshCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_mesh_call_duration_seconds",
			Help:    "Mesh call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_mesh_circuit_state",
			Help: "Circuit breaker state per instance (0=closed,1=half-open,2=open)",
		},
		[]string{"instance"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_mesh_retries_total",
			Help: "Total number of retry attempts issued by the mesh controller",
		},
		[]string{"service"},
	)

	// Broker metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_broker_queue_depth",
			Help: "Current number of pending messages per queue",
		},
		[]string{"queue"},
	)

	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_broker_messages_sent_total",
			Help: "Total number of messages sent to a queue",
		},
		[]string{"queue"},
	)

	MessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_broker_messages_processed_total",
			Help: "Total number of messages acked, nacked, rejected, or retried",
		},
		[]string{"queue", "result"},
	)

	DeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_broker_dead_lettered_total",
			Help: "Total number of messages routed to a dead-letter queue",
		},
		[]string{"queue"},
	)

	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_broker_processing_duration_seconds",
			Help:    "Time a message spends between dispatch and terminal result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Streaming metrics
	PartitionEndOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_streaming_partition_end_offset",
			Help: "Current end offset per stream partition",
		},
		[]string{"stream", "partition"},
	)

	ConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_streaming_consumer_lag",
			Help: "Records lag for a consumer group on a stream",
		},
		[]string{"stream", "group"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_streaming_events_published_total",
			Help: "Total number of events published to a stream",
		},
		[]string{"stream"},
	)

	RebalancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_streaming_rebalances_total",
			Help: "Total number of consumer group rebalances",
		},
		[]string{"group"},
	)

	SnapshotsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_streaming_snapshots_created_total",
			Help: "Total number of projection snapshots written",
		},
		[]string{"projection"},
	)

	// Orchestrator metrics
	WorkflowRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_orchestrator_workflow_runs_total",
			Help: "Total number of orchestrator workflow runs by workflow name and outcome",
		},
		[]string{"workflow", "outcome"},
	)

	WorkflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_orchestrator_workflow_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(SelectionsTotal)
	prometheus.MustRegister(SelectionFailuresTotal)
	prometheus.MustRegister(HealthCheckDuration)
	prometheus.MustRegister(HealthTransitionsTotal)

	prometheus.MustRegister(MeshCallsTotal)
	prometheus.MustRegister(MeshCallDuration)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(RetriesTotal)

	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(MessagesSentTotal)
	prometheus.MustRegister(MessagesProcessedTotal)
	prometheus.MustRegister(DeadLetteredTotal)
	prometheus.MustRegister(ProcessingDuration)

	prometheus.MustRegister(PartitionEndOffset)
	prometheus.MustRegister(ConsumerLag)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(RebalancesTotal)
	prometheus.MustRegister(SnapshotsCreatedTotal)

	prometheus.MustRegister(WorkflowRunsTotal)
	prometheus.MustRegister(WorkflowDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
