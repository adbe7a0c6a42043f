// Package checkpoint implements the Job Master's Checkpoint Coordinator and
// the task-side unaligned barrier handler that drives consistent snapshots
// of a running job (spec.md §4.7).
package checkpoint
