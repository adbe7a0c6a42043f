package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Slot pool metrics
	SlotPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weir_slot_pool_available_slots",
			Help: "Slots currently sitting idle in available_slots across all job masters",
		},
	)

	SlotPoolAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weir_slot_pool_allocated_slots",
			Help: "Slots currently bound to a task execution",
		},
	)

	SlotPoolPendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weir_slot_pool_pending_requests",
			Help: "Outstanding slot requests by queue",
		},
		[]string{"queue"}, // "pending" or "waiting_for_resource_manager"
	)

	SlotRequestTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weir_slot_request_timeouts_total",
			Help: "Total number of slot requests that expired before fulfillment",
		},
	)

	// Task executor / resource manager metrics
	TaskExecutorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weir_task_executors_total",
			Help: "Registered task executors by connection status",
		},
		[]string{"status"}, // "registered", "disconnected"
	)

	TaskExecutionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weir_task_executions_total",
			Help: "Task executions by lifecycle state",
		},
		[]string{"state"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weir_scheduling_latency_seconds",
			Help:    "Time from start_scheduling to all slot futures resolving",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskDeployDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weir_task_deploy_duration_seconds",
			Help:    "Time from deployment descriptor dispatch to RUNNING",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Checkpoint metrics
	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weir_checkpoint_duration_seconds",
			Help:    "Time from trigger_checkpoint to all acks received",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	CheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weir_checkpoints_total",
			Help: "Total checkpoints by outcome",
		},
		[]string{"outcome"}, // "completed", "aborted", "declined"
	)

	BarrierAlignmentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weir_barrier_alignment_latency_seconds",
			Help:    "Time between a task observing its first barrier on any input and emitting its own downstream barrier",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Heartbeat metrics
	HeartbeatTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weir_heartbeat_timeouts_total",
			Help: "Total heartbeat timeouts observed, by peer role",
		},
		[]string{"peer_role"}, // "task_executor", "job_master", "resource_manager"
	)

	// High-availability / Raft metrics
	RaftLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weir_ha_is_leader",
			Help: "Whether this process holds the leader fencing token for the named role (1 = leader, 0 = follower)",
		},
		[]string{"role"}, // "dispatcher", "resource_manager", "job_master"
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weir_ha_applied_index",
			Help: "Last applied Raft log index for the running-jobs/job-graph FSM",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weir_ha_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry to the FSM",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Network data path metrics
	ResultPartitionBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weir_result_partition_backlog",
			Help: "Non-event buffers queued per subpartition",
		},
		[]string{"partition_id", "subpartition_index"},
	)

	CreditsAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "weir_input_channel_credits",
			Help: "Credit currently advertised to the sender on an input channel",
		},
		[]string{"channel_id"},
	)
)

func init() {
	prometheus.MustRegister(
		SlotPoolAvailable,
		SlotPoolAllocated,
		SlotPoolPendingRequests,
		SlotRequestTimeouts,
		TaskExecutorsTotal,
		TaskExecutionsTotal,
		SchedulingLatency,
		TaskDeployDuration,
		CheckpointDuration,
		CheckpointsTotal,
		BarrierAlignmentLatency,
		HeartbeatTimeoutsTotal,
		RaftLeader,
		RaftAppliedIndex,
		RaftApplyDuration,
		ResultPartitionBacklog,
		CreditsAvailable,
	)
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
