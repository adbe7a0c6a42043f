package types

import "fmt"

// SlotState is the lifecycle state of a Slot (spec.md §3).
type SlotState string

const (
	SlotFree      SlotState = "FREE"
	SlotAllocated SlotState = "ALLOCATED"
	SlotActive    SlotState = "ACTIVE"
	SlotReleasing SlotState = "RELEASING"
)

// validSlotTransitions enumerates the allowed state transitions. A slot
// returning to FREE is the only "terminal" move the state machine names;
// spec.md treats FREE as both the initial and the recycled state.
var validSlotTransitions = map[SlotState][]SlotState{
	SlotFree:      {SlotAllocated},
	SlotAllocated: {SlotActive, SlotReleasing},
	SlotActive:    {SlotReleasing},
	SlotReleasing: {SlotFree},
}

// Slot is a unit of execution capacity owned by exactly one Task Executor.
// JobId is sticky across a FREE transition: it records the last job the
// slot served so the Resource Manager's tier-1 match (spec.md §4.3) can
// prefer handing a job back a slot it already warmed up, rather than
// treating every idle slot as interchangeable.
type Slot struct {
	Id       SlotId
	State    SlotState
	Profile  ResourceProfile
	JobId    JobId
	Alloc    AllocationId
	Tasks    []ExecutionAttemptId
}

// NewFreeSlot constructs a FREE slot with the given identity and profile.
func NewFreeSlot(id SlotId, profile ResourceProfile) *Slot {
	return &Slot{Id: id, State: SlotFree, Profile: profile}
}

// Transition moves the slot to next, enforcing the state machine and the
// invariant that a slot carrying tasks cannot go FREE (spec.md §3 invariant
// iii). Going FREE clears Alloc, the live allocation handle, but leaves
// JobId in place as an affinity hint for the next match; call ClearJobId
// explicitly (on disconnect, or once a different job claims the slot) to
// drop it.
func (s *Slot) Transition(next SlotState) error {
	allowed := validSlotTransitions[s.State]
	ok := false
	for _, candidate := range allowed {
		if candidate == next {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("slot %s: illegal transition %s -> %s", s.Id, s.State, next)
	}
	if next == SlotFree && len(s.Tasks) > 0 {
		return fmt.Errorf("slot %s: cannot free slot with %d task(s) still attached", s.Id, len(s.Tasks))
	}
	s.State = next
	if next == SlotFree {
		s.Alloc = AllocationId{}
	}
	return nil
}

// ClearJobId drops the slot's affinity hint, e.g. when its Task Executor
// disconnects or a different job is about to claim it.
func (s *Slot) ClearJobId() { s.JobId = JobId{} }

// AttachTask records a task execution as running in this slot.
func (s *Slot) AttachTask(attempt ExecutionAttemptId) {
	s.Tasks = append(s.Tasks, attempt)
}

// DetachTask removes a task execution from this slot, returning true if it
// was present.
func (s *Slot) DetachTask(attempt ExecutionAttemptId) bool {
	for i, t := range s.Tasks {
		if t == attempt {
			s.Tasks = append(s.Tasks[:i], s.Tasks[i+1:]...)
			return true
		}
	}
	return false
}

// IsFree reports whether the slot is available for allocation.
func (s *Slot) IsFree() bool { return s.State == SlotFree }
