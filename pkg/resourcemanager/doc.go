/*
Package resourcemanager implements the Resource Manager (spec.md §4.3): the
singleton broker that matches Job Master slot requests against Task
Executors registered with the cluster. It tracks registered_task_executors
and pending_slot_requests, runs the three-tier matching policy (already
allocated-and-idle, exact profile match, partial-order match, ties by
registration order), and disconnects Task Executors that miss their
heartbeat timeout, surfacing allocation failures to the Job Masters that
were waiting on them.

The Manager here owns no network code directly: pkg/rpc.Gateway handlers
and pkg/heartbeat.Manager sit in front of it, the way the teacher's own
pkg/manager composes pkg/worker's health monitor and pkg/api's handlers
around a plain, network-agnostic core.
*/
package resourcemanager
