/*
Package metrics defines and registers weir's Prometheus metrics, and
exposes readiness/liveness/health HTTP handlers for the process.

Metrics are grouped by subsystem: slot pool occupancy and pending-request
queues, task executor registration, scheduling and task deploy latency,
checkpoint duration and outcome, barrier alignment latency, heartbeat
timeouts, HA/Raft leader status and apply latency, and the network data
path (result partition backlog, input channel credit). All metrics are
registered at package init and served via Handler.

Collector polls a StatsProvider implemented by whichever components a
process hosts (resource manager, job master slot pool, HA role) and
keeps the corresponding gauges current on a ticker, the way a cluster
entry's background maintenance loops work elsewhere in this module.

# Usage

	mux.Handle("/metrics", metrics.Handler())

	collector := metrics.NewCollector(myStatsProvider, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	timer := metrics.NewTimer()
	// ... run a checkpoint ...
	timer.ObserveDuration(metrics.CheckpointDuration)

health.go exposes a separate, much simpler story: RegisterComponent and
UpdateComponent feed a process-wide HealthChecker, and HealthHandler /
ReadyHandler / LivenessHandler wire it to /health, /ready, and /live.
Readiness additionally requires "raft", "rpc_transport", and
"slot_pool" to be registered and healthy as of their latest report.
*/
package metrics
