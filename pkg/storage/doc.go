/*
Package storage is the durability layer behind pkg/ha's FSM: job graphs,
the running-jobs registry, checkpoint id counters and metadata pointers,
and archived execution graphs (spec.md §6, §11). BoltStore is the only
implementation, following the same single-file bbolt-with-named-buckets
layout used for other embedded state in this codebase, generalized from
container/service/node records to weir's domain objects.

Store is intentionally narrow — it exposes exactly the capabilities
spec.md §6 says the high-availability service provides, not a general
key-value API, so the FSM that drives it stays simple to reason about.
*/
package storage
