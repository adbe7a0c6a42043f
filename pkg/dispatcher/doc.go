// Package dispatcher implements the cluster's single entry point for job
// submission (spec.md §4.2): it validates and persists submitted job
// graphs, starts one Job Master per job, forwards job-scoped commands to
// whichever Job Master currently owns that job, and answers read-through
// queries against either the live Job Master or the archived
// execution-graph store once a job has finished.
//
// The Dispatcher never runs a job itself; it owns exactly the bookkeeping
// spec.md §4.2 assigns it (duplicate/validity checks on submission, the
// running-jobs registry, crash recovery, and "at most one Job Master per
// JobId") and delegates everything else through the JobMasterLauncher and
// JobMasterHandle interfaces, which pkg/jobmaster implements.
package dispatcher
