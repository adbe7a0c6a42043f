/*
Package rpc implements the gob-encoded transport that carries every
cross-component call spec.md §6 describes as "conceptual; wire encoding
not mandated". Client dials a fresh TCP connection per call rather than
pooling connections the way hashicorp/raft's NewTCPTransport does: simpler
to reason about, and control-plane traffic (slot requests, state
transitions, heartbeats) isn't on a hot enough path to need the pool.
Request and response bodies are gob-encoded independently of the
envelope that carries them, so adding a new RPC never requires touching
this package or registering a type globally.

Every request carries an optional fencing token (spec.md §5: "only the
fencing token enforces ordering; messages with older tokens are
rejected"). Gateway wraps a net.Listener and a per-command dispatch
table, rejecting stale tokens before a handler ever runs, so every RPC
endpoint in this codebase (Resource Manager, Job Master, Task Executor)
gets fencing for free by embedding a Gateway rather than reimplementing
the check. Register wires a typed handler function onto a Gateway
without the caller needing to touch the envelope or encoding directly.
*/
package rpc
