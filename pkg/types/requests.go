package types

import "time"

// SlotRequestState is the lifecycle of a PendingSlotRequest (spec.md §3).
type SlotRequestState string

const (
	SlotRequestQueued    SlotRequestState = "queued"
	SlotRequestFulfilled SlotRequestState = "fulfilled"
	SlotRequestTimedOut  SlotRequestState = "timed_out"
	SlotRequestCanceled  SlotRequestState = "canceled"
)

// PendingSlotRequest is the Slot Pool's record of one outstanding request
// for a slot (spec.md §3). IsBatch distinguishes the batch timeout rule
// (measured from continuously-unfulfillable onset, §4.5) from the regular
// wall-clock slot_request_timeout.
type PendingSlotRequest struct {
	Id                 SlotRequestId
	Profile            ResourceProfile
	IsBatch            bool
	State              SlotRequestState
	SubmittedAt        time.Time
	UnfulfillableSince *time.Time
}

// MarkUnfulfillable records the first moment this batch request became
// unfulfillable, if it has not already been recorded. Calling it again while
// already unfulfillable is a no-op, matching the "continuously unfulfillable"
// semantics in spec.md §4.5.
func (r *PendingSlotRequest) MarkUnfulfillable(now time.Time) {
	if r.UnfulfillableSince == nil {
		r.UnfulfillableSince = &now
	}
}

// ClearUnfulfillable resets the unfulfillable-since marker once the request
// becomes satisfiable again.
func (r *PendingSlotRequest) ClearUnfulfillable() {
	r.UnfulfillableSince = nil
}

// HeartbeatMonitor is the per-peer liveness record maintained by the
// Heartbeat Manager (spec.md §3, §4.9).
type HeartbeatMonitor struct {
	Peer       ResourceId
	LastSeen   time.Time
	TimeoutMs  int64
}

// Expired reports whether this monitor's peer has missed its timeout as of
// now.
func (m *HeartbeatMonitor) Expired(now time.Time) bool {
	return now.Sub(m.LastSeen) > time.Duration(m.TimeoutMs)*time.Millisecond
}
