// Package slotpool implements the Job Master-side broker between the
// scheduler and the Resource Manager (spec.md §4.5): it tracks available
// and allocated slots, the two queues of outstanding slot requests
// (already sent to the Resource Manager, and parked while it is
// unreachable), and the registered Task Executors those slots belong to.
package slotpool
