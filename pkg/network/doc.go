// Package network implements the producer- and consumer-side halves of a
// streaming dataflow's network data path (spec.md §4.8): result
// partitions/subpartitions on the producer side, and a credit-based input
// gate on the consumer side that also demultiplexes the special frames
// (barriers, cancellation, end-of-partition) into a
// pkg/jobmaster/checkpoint.BarrierHandler.
package network
