/*
Package heartbeat implements the Heartbeat Manager (spec.md §4.9): liveness
tracking between any pair of components (resource manager <-> task
executor, resource manager <-> job master, job master <-> task executor).

A Manager runs in one of two modes. A sender manager actively pings every
monitored target on a fixed interval via a Transport; a passive manager
only reacts to heartbeats it receives. Both keep a per-peer Monitor with a
last-seen timestamp and a scheduled timeout task; receiving a heartbeat
resets the timestamp and reschedules the timeout. If the timeout fires
first, the Listener's OnTimeout is invoked exactly once and the peer's
monitor is removed.

This mirrors the per-target goroutine-plus-cancel-function shape used for
container health polling elsewhere in this codebase, generalized from
container checks to peer liveness, and the timeout-by-last-seen detection
used for node reconciliation.
*/
package heartbeat
