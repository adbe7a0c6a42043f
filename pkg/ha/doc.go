/*
Package ha implements the high-availability service spec.md §6 describes:
per-role leader election, the running-jobs registry, job-graph blob
storage, checkpoint id counters/metadata pointers, and Job Master fencing
leases, all replicated through Raft.

FSM adapts the Apply/Snapshot/Restore pattern used for this codebase's
other Raft-backed state machine, generalized from cluster-orchestration
records (nodes, services, tasks) to weir's job/checkpoint domain. Manager
wraps FSM with the same Bootstrap/Join composition and tuned Raft timeouts
used elsewhere, dropping the TLS/CA/DNS machinery that domain doesn't need
and adding AcquireJobMasterLease for per-job fencing.

A single Manager backs the Dispatcher's and Resource Manager's singleton
leadership (IsLeader) as well as every Job Master's lease
(AcquireJobMasterLease): the core depends only on "do I hold leadership"
and "who holds the lease now", never on Raft directly (spec.md §6).
*/
package ha
