// Package types defines the data model shared across weir's components: the
// opaque identifiers that name jobs, executions, allocations and resources,
// the ResourceProfile partial order used for slot matching, and the Slot and
// TaskExecution state machines that the resource manager, slot pool and
// scheduler all operate on.
package types
